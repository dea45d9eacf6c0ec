package checks

import (
	"context"
	"os/exec"
	"strings"

	"reviewgate/internal/domain"
)

// CommandCheck shells out to the configured command in the change directory.
// Exit status decides the outcome; combined output becomes the detail.
type CommandCheck struct {
	Name    string
	Command string
}

func (c CommandCheck) Run(ctx context.Context, change Change) domain.LayerResult {
	if strings.TrimSpace(c.Command) == "" {
		return domain.LayerResult{Outcome: domain.LayerPass, Detail: "no command configured"}
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", c.Command)
	cmd.Dir = change.Dir
	out, err := cmd.CombinedOutput()
	detail := strings.TrimSpace(string(out))
	if err != nil {
		if detail == "" {
			detail = err.Error()
		}
		return domain.LayerResult{Outcome: domain.LayerFail, Detail: detail}
	}
	return domain.LayerResult{Outcome: domain.LayerPass, Detail: detail}
}

// CheckFunc adapts a function to the Check interface; tests use it for
// scripted outcomes.
type CheckFunc func(ctx context.Context, change Change) domain.LayerResult

func (f CheckFunc) Run(ctx context.Context, change Change) domain.LayerResult {
	return f(ctx, change)
}
