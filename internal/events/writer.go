// Package events is the audit trail. Every engine mutation appends one
// event in the same transaction, so the trail and the record it
// describes can never disagree.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EventPayload carries the structured detail of an audit event.
type EventPayload map[string]any

// Writer appends audit events. Now is overridable for tests; nil means
// wall-clock time.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append records an audit event inside the caller's transaction.
// sessionID and entityID may be empty for events not tied to a session
// or a particular entity.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, sessionID, entityKind, entityID, actorID string, payload EventPayload) error {
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(ts,type,session_id,entity_kind,entity_id,actor_id,payload_json)
		 VALUES (?,?,?,?,?,?,?)`,
		w.stamp(), evtType, orNull(sessionID), entityKind, orNull(entityID), actorID, body)
	return err
}

func (w Writer) stamp() string {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func encodePayload(p EventPayload) (string, error) {
	if p == nil {
		p = EventPayload{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	return string(data), nil
}

func orNull(v string) any {
	if v == "" {
		return nil
	}
	return v
}
