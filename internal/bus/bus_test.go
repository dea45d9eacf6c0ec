package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewgate/internal/domain"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := NewEmbedded()
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestSendAndReceive(t *testing.T) {
	b := newTestBus(t)

	mb, err := b.Subscribe("sess-1", "implementer", 8)
	require.NoError(t, err)
	defer mb.Close()

	msg := domain.Message{
		ID:        "m1",
		SessionID: "sess-1",
		Sender:    domain.OrchestratorName,
		Recipient: "implementer",
		Kind:      domain.KindPlanApproved,
		Body:      "plan approved",
	}
	require.NoError(t, b.Send(msg))

	select {
	case got := <-mb.C:
		assert.Equal(t, msg, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPerRecipientFIFO(t *testing.T) {
	b := newTestBus(t)

	mb, err := b.Subscribe("sess-1", "security", 64)
	require.NoError(t, err)
	defer mb.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, b.Send(domain.Message{
			ID:        string(rune('a' + i)),
			SessionID: "sess-1",
			Sender:    "implementer",
			Recipient: "security",
			Kind:      "discussion",
		}))
	}
	for i := 0; i < 20; i++ {
		select {
		case got := <-mb.C:
			assert.Equal(t, string(rune('a'+i)), got.ID, "delivery order")
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout at message %d", i)
		}
	}
}

func TestMailboxIsolation(t *testing.T) {
	b := newTestBus(t)

	impl, err := b.Subscribe("sess-1", "implementer", 8)
	require.NoError(t, err)
	defer impl.Close()
	sec, err := b.Subscribe("sess-1", "security", 8)
	require.NoError(t, err)
	defer sec.Close()

	require.NoError(t, b.Send(domain.Message{ID: "m1", SessionID: "sess-1", Recipient: "security", Kind: "discussion"}))

	select {
	case got := <-sec.C:
		assert.Equal(t, "m1", got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("security mailbox empty")
	}
	select {
	case got := <-impl.C:
		t.Fatalf("implementer received %q addressed to security", got.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSessionScopedSubjects(t *testing.T) {
	b := newTestBus(t)

	other, err := b.Subscribe("sess-2", "implementer", 8)
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, b.Send(domain.Message{ID: "m1", SessionID: "sess-1", Recipient: "implementer"}))

	select {
	case got := <-other.C:
		t.Fatalf("cross-session delivery of %q", got.ID)
	case <-time.After(100 * time.Millisecond):
	}
}
