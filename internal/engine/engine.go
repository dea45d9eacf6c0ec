// Package engine owns the session state machine. All session mutations go
// through here: actors never write the session record, they emit messages
// and the orchestrator applies the result. Every transition commits an
// audit event in the same transaction as the mutation it describes.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"reviewgate/internal/checks"
	"reviewgate/internal/classify"
	"reviewgate/internal/config"
	"reviewgate/internal/domain"
	"reviewgate/internal/events"
	"reviewgate/internal/ledger"
	"reviewgate/internal/marker"
	"reviewgate/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	// Workspace, when set, is where completion notes are written.
	Workspace string
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Escalation is the structured payload surfaced on every abandonment or
// bound hit: never a bare failure with no context.
type Escalation struct {
	Reason    string         `json:"reason"`
	Phase     string         `json:"phase"`
	Details   map[string]any `json:"details,omitempty"`
	Suggested []string       `json:"suggested,omitempty"`
}

// SessionStartOptions are parameters for creating a session.
type SessionStartOptions struct {
	ID           string
	Task         string
	Mode         string
	Specialist   string
	RepoDir      string
	ChangedPaths []string
	ActorID      string
}

// StartSession creates the session record and its actor roster. Lightweight
// mode is rejected with an audit note when the change touches a sensitive
// path category; the session then runs in full mode.
func (e Engine) StartSession(ctx context.Context, opts SessionStartOptions) (domain.Session, error) {
	if e.Config == nil {
		return domain.Session{}, errors.New("config not loaded")
	}
	if opts.Task == "" {
		return domain.Session{}, errors.New("task is required")
	}
	if opts.Mode == "" {
		opts.Mode = "full"
	}
	if opts.Mode != "full" && opts.Mode != "lightweight" {
		return domain.Session{}, fmt.Errorf("invalid mode %q", opts.Mode)
	}

	now := e.nowStr()
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	s := domain.Session{
		ID:        id,
		Task:      opts.Task,
		Mode:      opts.Mode,
		Phase:     domain.PhaseSetup,
		CreatedAt: now,
		UpdatedAt: now,
	}

	modeFallbackPath := ""
	if s.Mode == "lightweight" {
		if p, hit := checks.MatchAny(e.Config.SensitivePaths, opts.ChangedPaths); hit {
			s.Mode = "full"
			modeFallbackPath = p
		}
	}

	specialistUnresolved := false
	s.Specialist = opts.Specialist
	if s.Specialist == "" {
		label := classify.Classify(opts.Task, e.Config.Specialists)
		if label == classify.Ambiguous {
			specialistUnresolved = true
		} else {
			s.Specialist = label
		}
	}

	if opts.RepoDir != "" {
		commit, branch, err := marker.Capture(opts.RepoDir)
		if err != nil && !errors.Is(err, marker.ErrDetachedHead) {
			return domain.Session{}, fmt.Errorf("capture start marker: %w", err)
		}
		s.StartMarker = commit
		s.Branch = branch
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	for _, a := range e.roster(s.ID, now) {
		if err := e.Repo.InsertActor(ctx, tx, a); err != nil {
			return domain.Session{}, fmt.Errorf("insert actor %s: %w", a.Name, err)
		}
		if err := e.Events.Append(ctx, tx, "actor.spawned", s.ID, "actor", a.Name, opts.ActorID, events.EventPayload{
			"role": a.Role, "domain": a.Domain,
		}); err != nil {
			return domain.Session{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "session.created", s.ID, "session", s.ID, opts.ActorID, events.EventPayload{
		"task": s.Task, "mode": s.Mode, "specialist": s.Specialist, "start_marker": s.StartMarker,
	}); err != nil {
		return domain.Session{}, err
	}
	if modeFallbackPath != "" {
		if err := e.Events.Append(ctx, tx, "session.mode.fallback", s.ID, "session", s.ID, opts.ActorID, events.EventPayload{
			"requested": "lightweight", "effective": "full", "sensitive_path": modeFallbackPath,
		}); err != nil {
			return domain.Session{}, err
		}
	}
	if specialistUnresolved {
		if err := e.Events.Append(ctx, tx, "session.specialist.unresolved", s.ID, "session", s.ID, opts.ActorID, events.EventPayload{
			"task": s.Task,
		}); err != nil {
			return domain.Session{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// roster builds the fixed actor set: exactly one implementer and one
// reviewer per configured domain. The set never changes mid-session.
func (e Engine) roster(sessionID, now string) []domain.Actor {
	actors := []domain.Actor{{
		SessionID: sessionID,
		Name:      "implementer",
		Role:      domain.RoleImplementer,
		Status:    domain.ActorIdle,
		CreatedAt: now,
	}}
	for _, name := range e.ReviewerNames() {
		actors = append(actors, domain.Actor{
			SessionID: sessionID,
			Name:      name,
			Role:      domain.RoleReviewer,
			Domain:    name,
			Status:    domain.ActorIdle,
			CreatedAt: now,
		})
	}
	return actors
}

// ReviewerNames returns the configured reviewer domains in stable order.
func (e Engine) ReviewerNames() []string {
	names := make([]string, 0, len(e.Config.Reviewers))
	for name := range e.Config.Reviewers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func ensurePhaseTransition(mode, oldPhase, newPhase string) error {
	if newPhase == domain.PhaseAbandoned {
		if oldPhase == domain.PhaseComplete || oldPhase == domain.PhaseAbandoned {
			return fmt.Errorf("cannot abandon a %s session", oldPhase)
		}
		return nil
	}
	lightweight := mode == "lightweight"
	switch oldPhase {
	case domain.PhaseSetup:
		if !lightweight && newPhase == domain.PhasePlanning {
			return nil
		}
		if lightweight && newPhase == domain.PhaseImplementation {
			return nil
		}
	case domain.PhasePlanning:
		if newPhase == domain.PhaseImplementation {
			return nil
		}
	case domain.PhaseImplementation:
		if newPhase == domain.PhaseValidation {
			return nil
		}
	case domain.PhaseValidation:
		if newPhase == domain.PhaseReview || newPhase == domain.PhaseImplementation {
			return nil
		}
	case domain.PhaseReview:
		if newPhase == domain.PhaseImplementation {
			return nil
		}
		if !lightweight && newPhase == domain.PhaseReflection {
			return nil
		}
		if lightweight && newPhase == domain.PhaseComplete {
			return nil
		}
	case domain.PhaseReflection:
		if newPhase == domain.PhaseComplete {
			return nil
		}
	}
	return fmt.Errorf("invalid phase transition %s -> %s (mode %s)", oldPhase, newPhase, mode)
}

// Transition moves the session to a new phase, recording the triggering
// event in the audit trail. Counters are updated for re-entry transitions.
func (e Engine) Transition(ctx context.Context, sessionID, newPhase, trigger string, payload events.EventPayload) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if err := ensurePhaseTransition(s.Mode, s.Phase, newPhase); err != nil {
		return s, err
	}
	oldPhase := s.Phase
	s.Phase = newPhase
	s.UpdatedAt = e.nowStr()
	switch {
	case oldPhase == domain.PhaseReview && newPhase == domain.PhaseImplementation:
		s.ReviewCycle++
	case newPhase == domain.PhaseComplete:
		now := e.nowStr()
		s.CompletedAt = &now
	case newPhase == domain.PhaseAbandoned:
		if reason, ok := payload["reason"].(string); ok {
			s.AbandonReason = reason
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return s, err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["from"] = oldPhase
	payload["to"] = newPhase
	payload["trigger"] = trigger
	if err := e.Events.Append(ctx, tx, "session.phase", s.ID, "session", s.ID, domain.OrchestratorName, payload); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// Restart resets an interrupted session to setup so it can run again
// with the same task. Actor state from the interrupted run is not
// reconstructed; phase counters reset. Findings already on the ledger
// stay, they describe the change rather than the run.
func (e Engine) Restart(ctx context.Context, sessionID string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if s.Phase == domain.PhaseComplete || s.Phase == domain.PhaseAbandoned {
		return s, fmt.Errorf("cannot restart session %s: already %s", s.ID, s.Phase)
	}
	if s.Phase == domain.PhaseSetup {
		return s, nil
	}
	from := s.Phase
	s.Phase = domain.PhaseSetup
	s.PlanningRound = 0
	s.ValidationRun = 0
	s.ReviewCycle = 0
	s.UpdatedAt = e.nowStr()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "session.restarted", s.ID, "session", s.ID, domain.OrchestratorName, events.EventPayload{
		"from": from,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// Abandon terminates the session with a structured escalation payload.
func (e Engine) Abandon(ctx context.Context, sessionID string, esc Escalation) (domain.Session, error) {
	return e.Transition(ctx, sessionID, domain.PhaseAbandoned, "escalation", events.EventPayload{
		"reason":    esc.Reason,
		"phase":     esc.Phase,
		"details":   esc.Details,
		"suggested": esc.Suggested,
	})
}

// EnsureModeForChange re-checks lightweight eligibility once the actual
// change paths are known. A lightweight session touching a sensitive path
// is upgraded to full with an audit note.
func (e Engine) EnsureModeForChange(ctx context.Context, sessionID string, paths []string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if s.Mode != "lightweight" {
		return s, nil
	}
	p, hit := checks.MatchAny(e.Config.SensitivePaths, paths)
	if !hit {
		return s, nil
	}
	s.Mode = "full"
	s.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "session.mode.fallback", s.ID, "session", s.ID, domain.OrchestratorName, events.EventPayload{
		"requested": "lightweight", "effective": "full", "sensitive_path": p,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// RecordMessage persists a bus message into the session record.
func (e Engine) RecordMessage(ctx context.Context, m domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt == "" {
		m.CreatedAt = e.nowStr()
	}
	return e.Repo.InsertMessage(ctx, m)
}

// SaveGate persists a gate snapshot and its confirmations.
func (e Engine) SaveGate(ctx context.Context, g domain.Gate) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertGate(ctx, tx, g); err != nil {
		return fmt.Errorf("save gate %s: %w", g.Name, err)
	}
	now := e.nowStr()
	for _, a := range g.Confirmed {
		if err := e.Repo.InsertConfirmation(ctx, tx, g.SessionID, g.Name, a, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordPlanningRound persists the plan-confirmation gate's round on the
// session record once the gate resolves.
func (e Engine) RecordPlanningRound(ctx context.Context, sessionID string, round int) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if round == s.PlanningRound {
		return s, nil
	}
	s.PlanningRound = round
	s.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return s, err
	}
	return s, tx.Commit()
}

// RecordValidationRun stores a run and bumps the session's iteration
// counter. The caller decides the follow-up transition.
func (e Engine) RecordValidationRun(ctx context.Context, sessionID string, run domain.ValidationRun) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	run.SessionID = sessionID
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt == "" {
		run.CreatedAt = e.nowStr()
	}
	s.ValidationRun = run.Iteration
	s.UpdatedAt = e.nowStr()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertValidationRun(ctx, tx, run); err != nil {
		return s, fmt.Errorf("insert validation run: %w", err)
	}
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return s, err
	}
	layers := map[string]any{}
	for _, l := range run.Layers {
		layers[l.Name] = l.Outcome
	}
	if err := e.Events.Append(ctx, tx, "validation.recorded", s.ID, "validation_run", run.ID, domain.OrchestratorName, events.EventPayload{
		"iteration": run.Iteration, "outcome": run.Outcome, "layers": layers,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// deferralPolicy builds the ledger policy from config.
func (e Engine) deferralPolicy() ledger.Policy {
	return ledger.Policy{
		ValidReasons:   e.Config.Deferrals.ValidReasons,
		InvalidMarkers: e.Config.Deferrals.InvalidMarkers,
	}
}
