// Package gate implements the synchronization barrier that holds a phase
// until a required set of actors each confirm, bounded by a wall-clock
// timeout and a maximum round count.
package gate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"reviewgate/internal/domain"
)

// Controller creates and polls gates. Now is injectable for tests.
type Controller struct {
	Now func() time.Time
}

func NewController() *Controller {
	return &Controller{Now: time.Now}
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Gate is a single barrier. The confirmed set grows monotonically; nothing
// removes a confirmation.
type Gate struct {
	ctrl      *Controller
	name      string
	timeout   time.Duration
	maxRounds int

	mu        sync.Mutex
	required  map[string]bool
	confirmed map[string]time.Time
	deadline  time.Time
	round     int
	status    string
	satisfied chan struct{}
}

// EscalationReport lists who confirmed and who is outstanding when a gate
// cannot be satisfied within its bounds.
type EscalationReport struct {
	Gate        string   `json:"gate"`
	Round       int      `json:"round"`
	MaxRounds   int      `json:"max_rounds"`
	Confirmed   []string `json:"confirmed"`
	Outstanding []string `json:"outstanding"`
}

// Open creates a gate requiring a confirmation from each named actor.
func (c *Controller) Open(name string, required []string, timeout time.Duration, maxRounds int) *Gate {
	g := &Gate{
		ctrl:      c,
		name:      name,
		timeout:   timeout,
		maxRounds: maxRounds,
		required:  map[string]bool{},
		confirmed: map[string]time.Time{},
		deadline:  c.now().Add(timeout),
		round:     1,
		status:    domain.GateOpen,
		satisfied: make(chan struct{}),
	}
	for _, a := range required {
		g.required[a] = true
	}
	if len(g.required) == 0 {
		g.status = domain.GateSatisfied
		close(g.satisfied)
	}
	return g
}

func (g *Gate) Name() string { return g.name }

// Confirm records a qualifying confirmation. Confirmations from actors not
// in the required set are ignored; re-confirmation is a no-op. Returns true
// when the call newly satisfied the gate.
func (g *Gate) Confirm(actor string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status != domain.GateOpen {
		return false
	}
	if !g.required[actor] {
		return false
	}
	if _, ok := g.confirmed[actor]; ok {
		return false
	}
	g.confirmed[actor] = g.ctrl.now()
	if len(g.confirmed) == len(g.required) {
		g.status = domain.GateSatisfied
		close(g.satisfied)
		return true
	}
	return false
}

// Poll returns the gate status, transitioning open gates to timed_out when
// the wall-clock deadline has elapsed with an incomplete confirmed set.
func (g *Gate) Poll() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status == domain.GateOpen && g.ctrl.now().After(g.deadline) {
		g.status = domain.GateTimedOut
	}
	return g.status
}

// Extend starts the next round after a timeout, resetting the deadline.
// It fails once max rounds are exhausted; the caller must then escalate.
func (g *Gate) Extend() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status == domain.GateSatisfied {
		return fmt.Errorf("gate %s already satisfied", g.name)
	}
	if g.round >= g.maxRounds {
		return fmt.Errorf("gate %s exhausted %d rounds", g.name, g.maxRounds)
	}
	g.round++
	g.deadline = g.ctrl.now().Add(g.timeout)
	g.status = domain.GateOpen
	return nil
}

func (g *Gate) Round() int { return g.round }

func (g *Gate) Confirmed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return sortedKeys(g.confirmed)
}

func (g *Gate) Outstanding() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for a := range g.required {
		if _, ok := g.confirmed[a]; !ok {
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

// Report builds the escalation payload for a gate that could not be
// satisfied.
func (g *Gate) Report() EscalationReport {
	g.mu.Lock()
	round, max := g.round, g.maxRounds
	g.mu.Unlock()
	return EscalationReport{
		Gate:        g.name,
		Round:       round,
		MaxRounds:   max,
		Confirmed:   g.Confirmed(),
		Outstanding: g.Outstanding(),
	}
}

// Await blocks until the gate is satisfied, the current round's deadline
// passes, or ctx is canceled. It returns the resulting status.
func (g *Gate) Await(ctx context.Context) (string, error) {
	for {
		g.mu.Lock()
		remaining := g.deadline.Sub(g.ctrl.now())
		satisfied := g.satisfied
		g.mu.Unlock()

		if remaining <= 0 {
			return g.Poll(), nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return g.Poll(), ctx.Err()
		case <-satisfied:
			timer.Stop()
			return domain.GateSatisfied, nil
		case <-timer.C:
			if s := g.Poll(); s != domain.GateOpen {
				return s, nil
			}
			// deadline was extended while waiting; loop
		}
	}
}

// Snapshot renders the gate as its persisted form.
func (g *Gate) Snapshot(sessionID string, createdAt string) domain.Gate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return domain.Gate{
		SessionID:      sessionID,
		Name:           g.name,
		Required:       sortedSet(g.required),
		Confirmed:      sortedKeys(g.confirmed),
		Status:         g.status,
		Round:          g.round,
		MaxRounds:      g.maxRounds,
		TimeoutSeconds: int(g.timeout / time.Second),
		CreatedAt:      createdAt,
	}
}

func sortedKeys(m map[string]time.Time) []string {
	res := make([]string, 0, len(m))
	for k := range m {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

func sortedSet(m map[string]bool) []string {
	res := make([]string, 0, len(m))
	for k := range m {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}
