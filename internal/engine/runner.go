package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"reviewgate/internal/actor"
	"reviewgate/internal/bus"
	"reviewgate/internal/checks"
	"reviewgate/internal/domain"
	"reviewgate/internal/events"
	"reviewgate/internal/gate"
)

// Decision is an adjudication outcome for an escalated review.
type Decision int

const (
	// DecisionRework routes the session back to implementation.
	DecisionRework Decision = iota
	// DecisionAccept overrides the escalation and finalizes the session.
	DecisionAccept
)

// Runner drives one session end to end: it spawns the actor roster, relays
// messages, holds the gates and applies every state change through the
// engine. The runner is the orchestrator; it coordinates and never
// produces content itself.
type Runner struct {
	Engine  Engine
	Bus     *bus.Bus
	Gates   *gate.Controller
	Checks  *checks.Runner
	Workers map[string]actor.Worker
	RepoDir string
	Logger  *log.Logger

	// Adjudicate resolves an escalated review. Nil routes back to
	// implementation until the cycle bound abandons the session.
	Adjudicate func(ctx context.Context, s domain.Session) Decision

	// ReflectionWait overrides the configured soft deadline, for tests.
	ReflectionWait time.Duration
}

func (r *Runner) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}

// Run drives the session from its current phase to a terminal phase and
// returns the final session record.
func (r *Runner) Run(ctx context.Context, sessionID string) (domain.Session, error) {
	e := r.Engine
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if s.Phase == domain.PhaseComplete || s.Phase == domain.PhaseAbandoned {
		return s, fmt.Errorf("session %s already %s", s.ID, s.Phase)
	}
	// A session found past setup was interrupted. Actor state is not
	// reconstructed; it runs again from setup with the same task.
	if s.Phase != domain.PhaseSetup {
		if s, err = e.Restart(ctx, sessionID); err != nil {
			return s, err
		}
	}

	actors, err := e.Repo.ListActors(ctx, sessionID)
	if err != nil {
		return s, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, actorCtx := errgroup.WithContext(runCtx)
	defer func() {
		cancel()
		if err := g.Wait(); err != nil {
			r.logf("actor group: %v", err)
		}
	}()
	// Actors without an in-process worker are external: they attach to the
	// bus themselves and only their mailbox subject is owned here.
	for _, row := range actors {
		worker := r.Workers[row.Name]
		if worker == nil {
			continue
		}
		a := actor.New(sessionID, row.Name, row.Role, row.Domain, r.Bus, worker)
		a.OnStatus = func(name, status string) {
			if err := e.Repo.SetActorStatus(context.Background(), sessionID, name, status); err != nil {
				r.logf("actor %s status: %v", name, err)
			}
		}
		a.OnEmit = func(m domain.Message) {
			if err := e.RecordMessage(context.Background(), m); err != nil {
				r.logf("record message %s: %v", m.Kind, err)
			}
		}
		g.Go(func() error {
			err := a.Run(actorCtx)
			if err == context.Canceled || actorCtx.Err() != nil {
				return nil
			}
			return err
		})
	}

	mb, err := r.Bus.Subscribe(sessionID, domain.OrchestratorName, 256)
	if err != nil {
		return s, err
	}
	defer mb.Close()

	for {
		s, err = e.Repo.GetSession(ctx, sessionID)
		if err != nil {
			return s, err
		}
		switch s.Phase {
		case domain.PhaseSetup:
			err = r.leaveSetup(ctx, s)
		case domain.PhasePlanning:
			err = r.runPlanning(ctx, s, mb)
		case domain.PhaseImplementation:
			err = r.runImplementation(ctx, s, mb)
		case domain.PhaseReview:
			err = r.runReview(ctx, s, mb)
		case domain.PhaseReflection:
			err = r.runReflection(ctx, s, mb)
		case domain.PhaseComplete, domain.PhaseAbandoned:
			return s, nil
		default:
			return s, fmt.Errorf("session %s in unexpected phase %s", s.ID, s.Phase)
		}
		if err != nil {
			return s, err
		}
	}
}

func (r *Runner) send(s domain.Session, recipient, kind, body string) error {
	m := domain.Message{
		SessionID: s.ID,
		Sender:    domain.OrchestratorName,
		Recipient: recipient,
		Kind:      kind,
		Body:      body,
	}
	if err := r.Engine.RecordMessage(context.Background(), m); err != nil {
		return err
	}
	return r.Bus.Send(m)
}

// leaveSetup kicks off work: planning for full sessions, straight to
// implementation for lightweight ones.
func (r *Runner) leaveSetup(ctx context.Context, s domain.Session) error {
	next := domain.PhasePlanning
	if s.Mode == "lightweight" {
		next = domain.PhaseImplementation
	}
	if _, err := r.Engine.Transition(ctx, s.ID, next, "session started", nil); err != nil {
		return err
	}
	return r.send(s, "implementer", domain.KindTaskAssigned, s.Task)
}

// runPlanning holds the plan-confirmed gate: every reviewer must confirm
// the implementer's plan before implementation opens.
func (r *Runner) runPlanning(ctx context.Context, s domain.Session, mb *bus.Mailbox) error {
	e := r.Engine
	cfg := e.Config
	reviewers := e.ReviewerNames()
	timeout := time.Duration(cfg.Gates.Planning.TimeoutMinutes) * time.Minute
	gt := r.Gates.Open("plan-confirmed", reviewers, timeout, cfg.Gates.Planning.MaxRounds)

	status, err := r.holdGate(ctx, s, mb, gt, domain.KindPlanConfirmed, func(outstanding []string) {
		for _, name := range outstanding {
			if err := r.send(s, name, domain.KindTaskAssigned, "plan confirmation still outstanding: "+s.Task); err != nil {
				r.logf("nudge %s: %v", name, err)
			}
		}
	})
	if saveErr := e.SaveGate(ctx, gt.Snapshot(s.ID, e.nowStr())); saveErr != nil {
		r.logf("save gate: %v", saveErr)
	}
	if _, roundErr := e.RecordPlanningRound(ctx, s.ID, gt.Round()); roundErr != nil {
		r.logf("record planning round: %v", roundErr)
	}
	if err != nil {
		return err
	}
	if status != domain.GateSatisfied {
		report := gt.Report()
		_, err := e.Abandon(ctx, s.ID, Escalation{
			Reason: fmt.Sprintf("plan confirmation gate timed out after %d rounds", report.Round),
			Phase:  domain.PhasePlanning,
			Details: map[string]any{
				"confirmed": report.Confirmed, "outstanding": report.Outstanding,
			},
			Suggested: []string{
				"re-run with a narrower task so reviewers can confirm the plan",
				"raise gates.planning.timeout_minutes if reviewers need more time",
			},
		})
		return err
	}
	if _, err := e.Transition(ctx, s.ID, domain.PhaseImplementation, "plan confirmed by all reviewers", events.EventPayload{
		"gate": gt.Name(), "round": gt.Round(),
	}); err != nil {
		return err
	}
	return r.send(s, "implementer", domain.KindPlanApproved, "")
}

// holdGate services the orchestrator mailbox while a gate is open:
// qualifying confirmations feed the gate, everything else is already
// persisted and ignored. Timed-out rounds are extended with a nudge until
// rounds run out.
func (r *Runner) holdGate(ctx context.Context, s domain.Session, mb *bus.Mailbox, gt *gate.Gate, confirmKind string, nudge func(outstanding []string)) (string, error) {
	for {
		done := make(chan struct{})
		var status string
		var awaitErr error
		go func() {
			status, awaitErr = gt.Await(ctx)
			close(done)
		}()
	drain:
		for {
			select {
			case <-done:
				break drain
			case msg, ok := <-mb.C:
				if !ok {
					<-done
					break drain
				}
				if err := r.dispatch(ctx, s, msg); err == nil && msg.Kind == confirmKind {
					gt.Confirm(msg.Sender)
				}
			}
		}
		if awaitErr != nil {
			return status, awaitErr
		}
		if status != domain.GateTimedOut {
			return status, nil
		}
		if err := gt.Extend(); err != nil {
			return domain.GateTimedOut, nil
		}
		r.logf("gate %s round %d", gt.Name(), gt.Round())
		if nudge != nil {
			nudge(gt.Outstanding())
		}
	}
}

// runImplementation waits for the implementer to declare the change ready,
// then runs the validation layers. Actor idleness is never a trigger; only
// the qualifying message advances the phase.
func (r *Runner) runImplementation(ctx context.Context, s domain.Session, mb *bus.Mailbox) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-mb.C:
			if !ok {
				return fmt.Errorf("mailbox closed during implementation")
			}
			r.dispatch(ctx, s, msg)
			if msg.Kind == domain.KindReadyForValidation && msg.Sender == "implementer" {
				return r.runValidation(ctx, s, splitPaths(msg.Body))
			}
		}
	}
}

func (r *Runner) runValidation(ctx context.Context, s domain.Session, paths []string) error {
	e := r.Engine
	s, err := e.EnsureModeForChange(ctx, s.ID, paths)
	if err != nil {
		return err
	}
	if _, err := e.Transition(ctx, s.ID, domain.PhaseValidation, "implementer declared ready", events.EventPayload{
		"paths": len(paths),
	}); err != nil {
		return err
	}

	iteration := s.ValidationRun + 1
	run := r.Checks.Run(ctx, checks.Change{Dir: r.RepoDir, Paths: paths}, iteration)
	s, err = e.RecordValidationRun(ctx, s.ID, run)
	if err != nil {
		return err
	}
	if run.Outcome == domain.LayerPass {
		if _, err := e.Transition(ctx, s.ID, domain.PhaseReview, "validation passed", events.EventPayload{
			"iteration": iteration,
		}); err != nil {
			return err
		}
		for _, name := range e.ReviewerNames() {
			if err := r.send(s, name, domain.KindReviewOpened, strings.Join(paths, "\n")); err != nil {
				return err
			}
		}
		return nil
	}

	failure := checks.FailureContext(run)
	if iteration >= e.Config.Bounds.MaxValidationAttempts {
		_, err := e.Abandon(ctx, s.ID, Escalation{
			Reason: fmt.Sprintf("validation failed %d times", iteration),
			Phase:  domain.PhaseValidation,
			Details: map[string]any{
				"last_failure": failure, "attempts": iteration,
			},
			Suggested: []string{
				"inspect the failing layer output before restarting",
				"roll back to the start marker with rg rollback",
			},
		})
		return err
	}
	if _, err := e.Transition(ctx, s.ID, domain.PhaseImplementation, "validation failed", events.EventPayload{
		"iteration": iteration, "failure": failure,
	}); err != nil {
		return err
	}
	return r.send(s, "implementer", domain.KindValidationFailed, failure)
}

// runReview holds the verdict gate and routes the review protocol: finding
// messages become ledger operations, verdict messages are recomputed from
// the ledger rather than trusted as stated.
func (r *Runner) runReview(ctx context.Context, s domain.Session, mb *bus.Mailbox) error {
	e := r.Engine
	cfg := e.Config
	reviewers := e.ReviewerNames()
	timeout := time.Duration(cfg.Gates.Review.TimeoutMinutes) * time.Minute
	gt := r.Gates.Open("verdicts", reviewers, timeout, cfg.Gates.Review.MaxRounds)

	status, err := r.holdGate(ctx, s, mb, gt, domain.KindVerdict, func(outstanding []string) {
		for _, name := range outstanding {
			if err := r.send(s, name, domain.KindReviewOpened, "verdict still outstanding"); err != nil {
				r.logf("nudge %s: %v", name, err)
			}
		}
	})
	if saveErr := e.SaveGate(ctx, gt.Snapshot(s.ID, e.nowStr())); saveErr != nil {
		r.logf("save gate: %v", saveErr)
	}
	if err != nil {
		return err
	}
	if status != domain.GateSatisfied {
		report := gt.Report()
		_, err := e.Abandon(ctx, s.ID, Escalation{
			Reason: fmt.Sprintf("review verdict gate timed out after %d rounds", report.Round),
			Phase:  domain.PhaseReview,
			Details: map[string]any{
				"confirmed": report.Confirmed, "outstanding": report.Outstanding,
			},
			Suggested: []string{"check for unresolved blocking findings holding a reviewer's verdict"},
		})
		return err
	}

	complete, escalated, err := e.ReviewOutcome(ctx, s.ID)
	if err != nil {
		return err
	}
	if !complete {
		return fmt.Errorf("verdict gate satisfied but verdicts missing")
	}
	if escalated {
		return r.resolveEscalation(ctx, s)
	}
	return r.finalize(ctx, s, "all reviewers approved")
}

func (r *Runner) resolveEscalation(ctx context.Context, s domain.Session) error {
	e := r.Engine
	decision := DecisionRework
	if r.Adjudicate != nil {
		decision = r.Adjudicate(ctx, s)
	}
	if decision == DecisionAccept {
		return r.finalize(ctx, s, "escalation accepted by adjudication")
	}
	s, err := e.Repo.GetSession(ctx, s.ID)
	if err != nil {
		return err
	}
	if s.ReviewCycle+1 >= e.Config.Bounds.MaxReviewCycles {
		_, err := e.Abandon(ctx, s.ID, Escalation{
			Reason: fmt.Sprintf("review escalated after %d cycles", s.ReviewCycle+1),
			Phase:  domain.PhaseReview,
			Details: map[string]any{
				"cycles": s.ReviewCycle + 1,
			},
			Suggested: []string{"review the escalated findings and restart with a revised approach"},
		})
		return err
	}
	if _, err := e.Transition(ctx, s.ID, domain.PhaseImplementation, "review escalated, rework", nil); err != nil {
		return err
	}
	return r.send(s, "implementer", domain.KindReworkRequested, "review escalated; address the escalated findings")
}

func (r *Runner) finalize(ctx context.Context, s domain.Session, trigger string) error {
	e := r.Engine
	if s.Mode == "lightweight" {
		_, err := e.Complete(ctx, s.ID, trigger)
		return err
	}
	if _, err := e.Transition(ctx, s.ID, domain.PhaseReflection, trigger, nil); err != nil {
		return err
	}
	actors, err := e.Repo.ListActors(ctx, s.ID)
	if err != nil {
		return err
	}
	for _, a := range actors {
		if err := r.send(s, a.Name, domain.KindReflectionOpened, ""); err != nil {
			return err
		}
	}
	return nil
}

// runReflection waits for the implementer's reflection, bounded by a soft
// deadline: the session completes either way once the deadline passes.
func (r *Runner) runReflection(ctx context.Context, s domain.Session, mb *bus.Mailbox) error {
	e := r.Engine
	wait := r.ReflectionWait
	if wait == 0 {
		wait = time.Duration(e.Config.Gates.ReflectionMinutes) * time.Minute
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	trigger := "reflection soft deadline elapsed"
loop:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			break loop
		case msg, ok := <-mb.C:
			if !ok {
				break loop
			}
			r.dispatch(ctx, s, msg)
			if msg.Kind == domain.KindReflectionDone && msg.Sender == "implementer" {
				trigger = "reflection recorded"
				break loop
			}
		}
	}
	_, err := e.Complete(ctx, s.ID, trigger)
	return err
}

// dispatch routes one orchestrator-addressed message to its ledger
// operation and forwards the outcome to the counterpart actor. The
// orchestrator is a router; it never judges content, only applies the
// protocol. Non-qualifying kinds are persisted by emit hooks and ignored
// here.
func (r *Runner) dispatch(ctx context.Context, s domain.Session, msg domain.Message) error {
	e := r.Engine
	var err error
	switch msg.Kind {
	case domain.KindFindingRaised:
		var body struct {
			Description string `json:"description"`
			Severity    string `json:"severity"`
		}
		if err = json.Unmarshal([]byte(msg.Body), &body); err == nil {
			var f domain.Finding
			if f, err = e.RaiseFinding(ctx, s.ID, msg.Sender, body.Description, body.Severity); err == nil {
				err = r.send(s, "implementer", domain.KindFindingRaised, findingBody(f))
			}
		}
	case domain.KindFindingFixed:
		var f domain.Finding
		if f, err = e.ResolveFinding(ctx, strings.TrimSpace(msg.Body), msg.Sender); err == nil {
			err = r.send(s, f.RaisedBy, domain.KindFindingFixed, f.ID)
		}
	case domain.KindDeferralProposed:
		var body struct {
			FindingID     string `json:"finding_id"`
			Justification string `json:"justification"`
		}
		if err = json.Unmarshal([]byte(msg.Body), &body); err == nil {
			var f domain.Finding
			if f, err = e.ProposeDeferral(ctx, body.FindingID, body.Justification, msg.Sender); err == nil {
				switch f.Status {
				case domain.FindingDeferredProposed:
					err = r.send(s, f.RaisedBy, domain.KindDeferralProposed, findingBody(f))
				case domain.FindingDeferredAccepted:
					err = r.send(s, "implementer", domain.KindDeferralJudged, f.ID)
				}
			}
		}
	case domain.KindDeferralJudged:
		var f domain.Finding
		if f, err = e.JudgeDeferral(ctx, strings.TrimSpace(msg.Body), msg.Sender); err == nil {
			err = r.send(s, "implementer", domain.KindDeferralJudged, findingBody(f))
		}
	case domain.KindVerdict:
		_, err = e.RecordVerdict(ctx, s.ID, msg.Sender)
	}
	if err != nil {
		r.logf("dispatch %s from %s: %v", msg.Kind, msg.Sender, err)
	}
	return err
}

func findingBody(f domain.Finding) string {
	data, _ := json.Marshal(map[string]string{
		"finding_id":    f.ID,
		"raised_by":     f.RaisedBy,
		"severity":      f.Severity,
		"status":        f.Status,
		"description":   f.Description,
		"justification": f.Justification,
	})
	return string(data)
}

func splitPaths(body string) []string {
	var paths []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths
}
