// Package bus is the message fabric between the orchestrator and actors:
// asynchronous, addressed, backed by an embedded NATS server. Delivery is
// core NATS pub/sub, at most once: a message published with no subscriber,
// or into a full mailbox buffer, is dropped. In the single-process setup
// the subscriber is attached before anything publishes, which makes
// delivery reliable in practice, but nothing here retries. Per-recipient
// delivery order is preserved; there is no ordering guarantee across
// recipients.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"reviewgate/internal/domain"
)

const readyTimeout = 5 * time.Second

type Bus struct {
	server *natsserver.Server
	conn   *nats.Conn
}

// NewEmbedded starts an in-process NATS server on a random port and
// connects to it. The coordinator is single-process, so the bus lives and
// dies with the session run.
func NewEmbedded() (*Bus, error) {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	go server.Start()
	if !server.ReadyForConnections(readyTimeout) {
		server.Shutdown()
		return nil, fmt.Errorf("nats server not ready after %s", readyTimeout)
	}
	conn, err := nats.Connect(server.ClientURL())
	if err != nil {
		server.Shutdown()
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Bus{server: server, conn: conn}, nil
}

// Connect attaches to an external NATS server.
func Connect(url string) (*Bus, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &Bus{conn: conn}, nil
}

func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
	if b.server != nil {
		b.server.Shutdown()
		b.server.WaitForShutdown()
	}
}

// Subject addresses one actor's mailbox within a session.
func Subject(sessionID, recipient string) string {
	return fmt.Sprintf("mailbox.%s.%s", sessionID, recipient)
}

// Send publishes a message to its recipient's mailbox.
func (b *Bus) Send(m domain.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := b.conn.Publish(Subject(m.SessionID, m.Recipient), data); err != nil {
		return fmt.Errorf("publish to %s: %w", m.Recipient, err)
	}
	return b.conn.Flush()
}

// Mailbox is one actor's FIFO message feed.
type Mailbox struct {
	C   <-chan domain.Message
	sub *nats.Subscription
	raw chan *nats.Msg
}

// Subscribe opens a mailbox for the named recipient. Messages that fail to
// decode are dropped; the bus carries only its own envelope format.
func (b *Bus) Subscribe(sessionID, recipient string, buffer int) (*Mailbox, error) {
	if buffer <= 0 {
		buffer = 64
	}
	raw := make(chan *nats.Msg, buffer)
	sub, err := b.conn.ChanSubscribe(Subject(sessionID, recipient), raw)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", recipient, err)
	}
	out := make(chan domain.Message, buffer)
	go func() {
		defer close(out)
		for msg := range raw {
			var m domain.Message
			if err := json.Unmarshal(msg.Data, &m); err != nil {
				continue
			}
			out <- m
		}
	}()
	return &Mailbox{C: out, sub: sub, raw: raw}, nil
}

// Close stops delivery and releases the decode goroutine.
func (mb *Mailbox) Close() error {
	err := mb.sub.Unsubscribe()
	close(mb.raw)
	return err
}
