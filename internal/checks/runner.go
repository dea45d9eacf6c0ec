// Package checks sequences the external verification layers run against a
// change. The runner owns ordering, short-circuiting and artifact-triggered
// activation; the checks themselves are opaque pass/fail commands.
package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reviewgate/internal/config"
	"reviewgate/internal/domain"
)

// Change describes the work under validation: the worktree directory and
// the set of changed paths, used for trigger matching.
type Change struct {
	Dir   string
	Paths []string
}

// Check is one opaque verification step.
type Check interface {
	Run(ctx context.Context, change Change) domain.LayerResult
}

// Layer pairs a declared config layer with its check.
type Layer struct {
	Name     string
	Purpose  string
	Triggers []string
	Check    Check
}

type Runner struct {
	Layers []Layer
	Now    func() time.Time
}

// New builds a runner from configured layers. Layers whose command is empty
// report pass; the coordinator only owns sequencing, not check logic.
func New(layers []config.Layer) *Runner {
	r := &Runner{Now: time.Now}
	for _, l := range layers {
		r.Layers = append(r.Layers, Layer{
			Name:     l.Name,
			Purpose:  l.Purpose,
			Triggers: l.Triggers,
			Check:    CommandCheck{Name: l.Name, Command: l.Command},
		})
	}
	return r
}

// Run executes the active layers in order, stopping at the first failure.
// Layers after a failure report skipped. Triggered layers are active only
// when the change contains a matching path.
func (r *Runner) Run(ctx context.Context, change Change, iteration int) domain.ValidationRun {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	run := domain.ValidationRun{
		ID:        uuid.New().String(),
		Iteration: iteration,
		Outcome:   domain.LayerPass,
		CreatedAt: now().UTC().Format(time.RFC3339),
	}
	failed := false
	for _, layer := range r.Layers {
		if !layer.active(change) {
			continue
		}
		if failed {
			run.Layers = append(run.Layers, domain.LayerResult{Name: layer.Name, Outcome: domain.LayerSkipped})
			continue
		}
		res := layer.Check.Run(ctx, change)
		res.Name = layer.Name
		run.Layers = append(run.Layers, res)
		if res.Outcome == domain.LayerFail {
			failed = true
			run.Outcome = domain.LayerFail
		}
	}
	return run
}

func (l Layer) active(change Change) bool {
	if len(l.Triggers) == 0 {
		return true
	}
	for _, pattern := range l.Triggers {
		for _, p := range change.Paths {
			if MatchPath(pattern, p) {
				return true
			}
		}
	}
	return false
}

// FirstFailure returns the failing layer of a run, if any. The orchestrator
// packages it into the message routed back to the implementer.
func FirstFailure(run domain.ValidationRun) (domain.LayerResult, bool) {
	for _, l := range run.Layers {
		if l.Outcome == domain.LayerFail {
			return l, true
		}
	}
	return domain.LayerResult{}, false
}

// FailureContext renders the structured failure message body.
func FailureContext(run domain.ValidationRun) string {
	l, ok := FirstFailure(run)
	if !ok {
		return ""
	}
	return fmt.Sprintf("validation iteration %d failed at layer %s: %s", run.Iteration, l.Name, l.Detail)
}
