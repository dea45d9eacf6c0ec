package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"reviewgate/internal/db"
	"reviewgate/internal/domain"
	"reviewgate/internal/events"
)

// Complete finalizes the session and writes the completion note. The note
// is a courtesy artifact; failing to write it never fails the session.
func (e Engine) Complete(ctx context.Context, sessionID, trigger string) (domain.Session, error) {
	s, err := e.Transition(ctx, sessionID, domain.PhaseComplete, trigger, nil)
	if err != nil {
		return s, err
	}
	if e.Workspace == "" {
		return s, nil
	}
	path, err := e.writeNote(ctx, s)
	if err != nil {
		return s, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, nil
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "session.note", s.ID, "session", s.ID, domain.OrchestratorName, events.EventPayload{
		"path": path,
	}); err != nil {
		return s, nil
	}
	tx.Commit()
	return s, nil
}

// writeNote renders the completion note under .reviewgate/notes/.
func (e Engine) writeNote(ctx context.Context, s domain.Session) (string, error) {
	verdicts, err := e.Repo.ListVerdicts(ctx, s.ID)
	if err != nil {
		return "", err
	}
	findings, err := e.Repo.ListFindings(ctx, s.ID)
	if err != nil {
		return "", err
	}
	runs, err := e.Repo.ListValidationRuns(ctx, s.ID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Session %s\n\n", s.ID)
	fmt.Fprintf(&b, "**Task:** %s\n\n", s.Task)
	fmt.Fprintf(&b, "- Mode: %s\n", s.Mode)
	if s.Specialist != "" {
		fmt.Fprintf(&b, "- Specialist: %s\n", s.Specialist)
	}
	if s.Branch != "" {
		fmt.Fprintf(&b, "- Branch: %s (start marker %s)\n", s.Branch, short(s.StartMarker))
	}
	fmt.Fprintf(&b, "- Validation iterations: %d\n", s.ValidationRun)
	fmt.Fprintf(&b, "- Review cycles: %d\n\n", s.ReviewCycle+1)

	b.WriteString("## Verdicts\n\n")
	for _, v := range verdicts {
		fmt.Fprintf(&b, "- %s: %s\n", v.Reviewer, v.Verdict)
	}

	var debt []domain.Finding
	for _, f := range findings {
		if f.Status == domain.FindingDeferredAccepted {
			debt = append(debt, f)
		}
	}
	if len(debt) > 0 {
		b.WriteString("\n## Accepted technical debt\n\n")
		for _, f := range debt {
			fmt.Fprintf(&b, "- [%s] %s\n  - justification: %s\n", f.Severity, f.Description, f.Justification)
		}
	}
	if len(runs) > 0 {
		last := runs[len(runs)-1]
		b.WriteString("\n## Final validation\n\n")
		for _, l := range last.Layers {
			fmt.Fprintf(&b, "- %s: %s\n", l.Name, l.Outcome)
		}
	}

	dir := db.NotesDir(e.Workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, s.ID+".md")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func short(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}
