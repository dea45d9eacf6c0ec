package gate

import (
	"context"
	"testing"
	"time"

	"reviewgate/internal/domain"
)

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func TestConfirmMonotonicAndIdempotent(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Controller{Now: fixedClock(&now)}
	g := c.Open("plan-confirmed", []string{"security", "correctness"}, 30*time.Minute, 3)

	if g.Confirm("security") {
		t.Fatalf("single confirmation should not satisfy")
	}
	if got := len(g.Confirmed()); got != 1 {
		t.Fatalf("confirmed = %d, want 1", got)
	}
	// re-confirmation is a no-op
	g.Confirm("security")
	if got := len(g.Confirmed()); got != 1 {
		t.Fatalf("re-confirm grew set to %d", got)
	}
	// unknown actor ignored
	g.Confirm("stranger")
	if got := len(g.Confirmed()); got != 1 {
		t.Fatalf("stranger confirmed: %d", got)
	}
	if !g.Confirm("correctness") {
		t.Fatalf("final confirmation should satisfy")
	}
	if g.Poll() != domain.GateSatisfied {
		t.Fatalf("status = %s", g.Poll())
	}
}

func TestTimeoutAndExtend(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Controller{Now: fixedClock(&now)}
	g := c.Open("plan-confirmed", []string{"security"}, 30*time.Minute, 3)

	if g.Poll() != domain.GateOpen {
		t.Fatalf("fresh gate not open")
	}
	now = now.Add(31 * time.Minute)
	if g.Poll() != domain.GateTimedOut {
		t.Fatalf("gate did not time out")
	}
	if err := g.Extend(); err != nil {
		t.Fatalf("round 2: %v", err)
	}
	if g.Poll() != domain.GateOpen || g.Round() != 2 {
		t.Fatalf("extend did not reopen: %s round %d", g.Poll(), g.Round())
	}
	now = now.Add(31 * time.Minute)
	if err := g.Extend(); err != nil {
		t.Fatalf("round 3: %v", err)
	}
	now = now.Add(31 * time.Minute)
	if err := g.Extend(); err == nil {
		t.Fatalf("expected rounds exhausted")
	}
	rep := g.Report()
	if rep.Round != 3 || len(rep.Outstanding) != 1 || rep.Outstanding[0] != "security" {
		t.Fatalf("report = %+v", rep)
	}
}

func TestAwaitSatisfied(t *testing.T) {
	c := NewController()
	g := c.Open("plan-confirmed", []string{"a", "b"}, time.Second, 1)
	go func() {
		g.Confirm("a")
		g.Confirm("b")
	}()
	status, err := g.Await(context.Background())
	if err != nil || status != domain.GateSatisfied {
		t.Fatalf("await = %s, %v", status, err)
	}
}

func TestAwaitTimeout(t *testing.T) {
	c := NewController()
	g := c.Open("plan-confirmed", []string{"a"}, 20*time.Millisecond, 1)
	status, err := g.Await(context.Background())
	if err != nil || status != domain.GateTimedOut {
		t.Fatalf("await = %s, %v", status, err)
	}
}

func TestEmptyRequiredSatisfiedImmediately(t *testing.T) {
	c := NewController()
	g := c.Open("noop", nil, time.Second, 1)
	if g.Poll() != domain.GateSatisfied {
		t.Fatalf("empty gate = %s", g.Poll())
	}
}
