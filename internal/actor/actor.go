// Package actor runs one addressable participant: a mailbox consumed in
// FIFO order, an opaque worker doing the actual thinking, and messages
// emitted back onto the bus. Actor status is observability only — going
// idle never signals completion; phases advance solely on qualifying
// message kinds interpreted by the orchestrator.
package actor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"reviewgate/internal/bus"
	"reviewgate/internal/domain"
)

// Worker is the opaque computation an actor delegates to. It consumes one
// message and returns zero or more replies to emit.
type Worker interface {
	Handle(ctx context.Context, msg domain.Message) ([]domain.Message, error)
}

// WorkerFunc adapts a function to Worker; tests script actors with it.
type WorkerFunc func(ctx context.Context, msg domain.Message) ([]domain.Message, error)

func (f WorkerFunc) Handle(ctx context.Context, msg domain.Message) ([]domain.Message, error) {
	return f(ctx, msg)
}

type Actor struct {
	Name      string
	Role      string
	Domain    string
	SessionID string

	bus    *bus.Bus
	worker Worker

	// OnStatus, when set, observes status changes (the orchestrator
	// persists them). Never used for phase decisions.
	OnStatus func(name, status string)
	// OnEmit, when set, observes every message the actor sends.
	OnEmit func(m domain.Message)

	mu     sync.Mutex
	status string
}

func New(sessionID, name, role, domainName string, b *bus.Bus, w Worker) *Actor {
	return &Actor{
		Name:      name,
		Role:      role,
		Domain:    domainName,
		SessionID: sessionID,
		bus:       b,
		worker:    w,
		status:    domain.ActorIdle,
	}
}

func (a *Actor) Status() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Actor) setStatus(s string) {
	a.mu.Lock()
	changed := a.status != s
	a.status = s
	a.mu.Unlock()
	if changed && a.OnStatus != nil {
		a.OnStatus(a.Name, s)
	}
}

// Run consumes the actor's mailbox until ctx is canceled. Each message is
// handled to completion before the next is taken.
func (a *Actor) Run(ctx context.Context) error {
	mb, err := a.bus.Subscribe(a.SessionID, a.Name, 64)
	if err != nil {
		return fmt.Errorf("actor %s: %w", a.Name, err)
	}
	defer mb.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-mb.C:
			if !ok {
				return nil
			}
			a.setStatus(domain.ActorActive)
			out, err := a.worker.Handle(ctx, msg)
			if err != nil {
				a.setStatus(domain.ActorIdle)
				return fmt.Errorf("actor %s handling %s: %w", a.Name, msg.Kind, err)
			}
			for _, reply := range out {
				if err := a.Emit(reply); err != nil {
					a.setStatus(domain.ActorIdle)
					return err
				}
			}
			a.setStatus(domain.ActorIdle)
		}
	}
}

// Emit stamps and sends one message from this actor.
func (a *Actor) Emit(m domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.SessionID = a.SessionID
	m.Sender = a.Name
	if m.CreatedAt == "" {
		m.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if a.OnEmit != nil {
		a.OnEmit(m)
	}
	if err := a.bus.Send(m); err != nil {
		return fmt.Errorf("actor %s emit %s: %w", a.Name, m.Kind, err)
	}
	return nil
}
