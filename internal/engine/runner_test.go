package engine_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"reviewgate/internal/actor"
	"reviewgate/internal/bus"
	"reviewgate/internal/checks"
	"reviewgate/internal/config"
	"reviewgate/internal/domain"
	"reviewgate/internal/engine"
	"reviewgate/internal/gate"
)

// threeReviewerConfig narrows the roster so the scenario scripts stay
// readable: security blocks on anything, the other two only on critical.
func threeReviewerConfig() *config.Config {
	cfg := config.Default()
	cfg.Reviewers = map[string]config.ReviewerDomain{
		"security":        {Description: "security review", BlockingThreshold: "low"},
		"performance":     {Description: "performance review", BlockingThreshold: "critical"},
		"maintainability": {Description: "maintainability review", BlockingThreshold: "critical"},
	}
	return cfg
}

func newRunner(t *testing.T, env testEnv, cfg *config.Config, layers []checks.Layer, workers map[string]actor.Worker) *engine.Runner {
	t.Helper()
	b, err := bus.NewEmbedded()
	require.NoError(t, err)
	t.Cleanup(b.Close)

	eng := env.Engine
	eng.Config = cfg
	return &engine.Runner{
		Engine:         eng,
		Bus:            b,
		Gates:          gate.NewController(),
		Checks:         &checks.Runner{Layers: layers},
		Workers:        workers,
		ReflectionWait: 10 * time.Second,
	}
}

func passLayer(name string) checks.Layer {
	return checks.Layer{Name: name, Check: checks.CheckFunc(func(context.Context, checks.Change) domain.LayerResult {
		return domain.LayerResult{Outcome: domain.LayerPass}
	})}
}

func failLayer(name, detail string) checks.Layer {
	return checks.Layer{Name: name, Check: checks.CheckFunc(func(context.Context, checks.Change) domain.LayerResult {
		return domain.LayerResult{Outcome: domain.LayerFail, Detail: detail}
	})}
}

func reply(recipient, kind, body string) domain.Message {
	return domain.Message{Recipient: recipient, Kind: kind, Body: body}
}

func findingID(t *testing.T, body string) string {
	t.Helper()
	var f struct {
		FindingID string `json:"finding_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &f))
	return f.FindingID
}

// TestRunnerFullSessionScenario drives a complete full-mode session: plan
// confirmation by all reviewers, one passing validation, one low security
// finding deferred with a sound justification, unanimous verdicts,
// reflection and completion.
func TestRunnerFullSessionScenario(t *testing.T) {
	env := newTestEnv(t)
	cfg := threeReviewerConfig()
	reviewers := []string{"maintainability", "performance", "security"}

	workers := map[string]actor.Worker{}
	workers["implementer"] = actor.WorkerFunc(func(_ context.Context, msg domain.Message) ([]domain.Message, error) {
		switch msg.Kind {
		case domain.KindTaskAssigned:
			var out []domain.Message
			for _, name := range reviewers {
				out = append(out, reply(name, "plan", "add the handler behind the existing middleware"))
			}
			return out, nil
		case domain.KindPlanApproved:
			return []domain.Message{reply(domain.OrchestratorName, domain.KindReadyForValidation, "internal/service/handler.go")}, nil
		case domain.KindFindingRaised:
			body, _ := json.Marshal(map[string]string{
				"finding_id":    findingID(t, msg.Body),
				"justification": "requires cross-component coordination with the logging pipeline",
			})
			return []domain.Message{reply(domain.OrchestratorName, domain.KindDeferralProposed, string(body))}, nil
		case domain.KindReflectionOpened:
			return []domain.Message{reply(domain.OrchestratorName, domain.KindReflectionDone, "validation caught nothing; reviewer found the logging gap")}, nil
		}
		return nil, nil
	})
	workers["security"] = actor.WorkerFunc(func(_ context.Context, msg domain.Message) ([]domain.Message, error) {
		switch msg.Kind {
		case "plan":
			return []domain.Message{reply(domain.OrchestratorName, domain.KindPlanConfirmed, "")}, nil
		case domain.KindReviewOpened:
			body, _ := json.Marshal(map[string]string{
				"description": "request token written to the debug log",
				"severity":    domain.SeverityLow,
			})
			return []domain.Message{reply(domain.OrchestratorName, domain.KindFindingRaised, string(body))}, nil
		case domain.KindDeferralProposed:
			return []domain.Message{
				reply(domain.OrchestratorName, domain.KindDeferralJudged, findingID(t, msg.Body)),
				reply(domain.OrchestratorName, domain.KindVerdict, ""),
			}, nil
		}
		return nil, nil
	})
	for _, name := range []string{"performance", "maintainability"} {
		workers[name] = actor.WorkerFunc(func(_ context.Context, msg domain.Message) ([]domain.Message, error) {
			switch msg.Kind {
			case "plan":
				return []domain.Message{reply(domain.OrchestratorName, domain.KindPlanConfirmed, "")}, nil
			case domain.KindReviewOpened:
				return []domain.Message{reply(domain.OrchestratorName, domain.KindVerdict, "")}, nil
			}
			return nil, nil
		})
	}

	r := newRunner(t, env, cfg, []checks.Layer{passLayer("compile"), passLayer("tests")}, workers)
	s, err := r.Engine.StartSession(env.Ctx, engine.SessionStartOptions{Task: "add api endpoint for service accounts"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(env.Ctx, 30*time.Second)
	defer cancel()
	final, err := r.Run(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PhaseComplete, final.Phase)
	require.Equal(t, 1, final.ValidationRun)

	findings, err := r.Engine.Repo.ListFindings(env.Ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, domain.FindingDeferredAccepted, findings[0].Status)

	verdicts, err := r.Engine.Repo.ListVerdicts(env.Ctx, s.ID)
	require.NoError(t, err)
	got := map[string]string{}
	for _, v := range verdicts {
		got[v.Reviewer] = v.Verdict
	}
	require.Equal(t, map[string]string{
		"security":        domain.VerdictResolved,
		"performance":     domain.VerdictClear,
		"maintainability": domain.VerdictClear,
	}, got)

	note := filepath.Join(env.Dir, ".reviewgate", "notes", s.ID+".md")
	data, err := os.ReadFile(note)
	require.NoError(t, err)
	require.Contains(t, string(data), "Accepted technical debt")
}

// TestRunnerValidationBoundAbandons lets validation fail repeatedly: the
// third failed iteration must abandon the session with an escalation
// rather than loop forever.
func TestRunnerValidationBoundAbandons(t *testing.T) {
	env := newTestEnv(t)
	cfg := threeReviewerConfig()

	workers := map[string]actor.Worker{
		"implementer": actor.WorkerFunc(func(_ context.Context, msg domain.Message) ([]domain.Message, error) {
			switch msg.Kind {
			case domain.KindTaskAssigned, domain.KindValidationFailed:
				return []domain.Message{reply(domain.OrchestratorName, domain.KindReadyForValidation, "docs/usage.md")}, nil
			}
			return nil, nil
		}),
	}
	r := newRunner(t, env, cfg, []checks.Layer{failLayer("tests", "TestUsage failed")}, workers)
	s, err := r.Engine.StartSession(env.Ctx, engine.SessionStartOptions{Task: "fix usage docs", Mode: "lightweight"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(env.Ctx, 30*time.Second)
	defer cancel()
	final, err := r.Run(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PhaseAbandoned, final.Phase)
	require.Contains(t, final.AbandonReason, "validation failed 3 times")

	runs, err := r.Engine.Repo.ListValidationRuns(env.Ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, runs, 3)
}

// TestRunnerSilentReviewerHoldsGate pins the idle-is-not-done rule: a
// reviewer that simply stops responding never satisfies the gate, so the
// session stays in planning instead of advancing.
func TestRunnerSilentReviewerHoldsGate(t *testing.T) {
	env := newTestEnv(t)
	cfg := threeReviewerConfig()

	confirm := actor.WorkerFunc(func(_ context.Context, msg domain.Message) ([]domain.Message, error) {
		if msg.Kind == "plan" {
			return []domain.Message{reply(domain.OrchestratorName, domain.KindPlanConfirmed, "")}, nil
		}
		return nil, nil
	})
	workers := map[string]actor.Worker{
		"implementer": actor.WorkerFunc(func(_ context.Context, msg domain.Message) ([]domain.Message, error) {
			if msg.Kind == domain.KindTaskAssigned {
				return []domain.Message{
					reply("security", "plan", "plan"),
					reply("performance", "plan", "plan"),
					reply("maintainability", "plan", "plan"),
				}, nil
			}
			return nil, nil
		}),
		"security":    confirm,
		"performance": confirm,
		// maintainability stays silent
	}
	r := newRunner(t, env, cfg, []checks.Layer{passLayer("compile")}, workers)
	s, err := r.Engine.StartSession(env.Ctx, engine.SessionStartOptions{Task: "add api endpoint"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(env.Ctx, 2*time.Second)
	defer cancel()
	_, runErr := r.Run(ctx, s.ID)
	require.Error(t, runErr)

	got, err := r.Engine.Repo.GetSession(env.Ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PhasePlanning, got.Phase)
	require.Nil(t, got.CompletedAt)
}
