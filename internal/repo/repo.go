package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"reviewgate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const sessionCols = `id,task,mode,COALESCE(specialist,''),phase,COALESCE(branch,''),COALESCE(start_marker,''),planning_round,validation_run,review_cycle,COALESCE(abandon_reason,''),created_at,updated_at,completed_at`

func scanSession(scan func(dest ...any) error) (domain.Session, error) {
	var s domain.Session
	var completed sql.NullString
	err := scan(&s.ID, &s.Task, &s.Mode, &s.Specialist, &s.Phase, &s.Branch, &s.StartMarker,
		&s.PlanningRound, &s.ValidationRun, &s.ReviewCycle, &s.AbandonReason,
		&s.CreatedAt, &s.UpdatedAt, &completed)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if completed.Valid {
		s.CompletedAt = &completed.String
	}
	return s, err
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(id,task,mode,specialist,phase,branch,start_marker,planning_round,validation_run,review_cycle,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Task, s.Mode, nullable(s.Specialist), s.Phase, nullable(s.Branch), nullable(s.StartMarker),
		s.PlanningRound, s.ValidationRun, s.ReviewCycle, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `UPDATE sessions SET task=?,mode=?,specialist=?,phase=?,branch=?,start_marker=?,planning_round=?,validation_run=?,review_cycle=?,abandon_reason=?,updated_at=?,completed_at=? WHERE id=?`,
		s.Task, s.Mode, nullable(s.Specialist), s.Phase, nullable(s.Branch), nullable(s.StartMarker),
		s.PlanningRound, s.ValidationRun, s.ReviewCycle, nullable(s.AbandonReason),
		s.UpdatedAt, nullableptr(s.CompletedAt), s.ID)
	return err
}

func (r Repo) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sessionCols+` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// LatestSession returns the most recently created session, used by CLI
// commands that omit --session.
func (r Repo) LatestSession(ctx context.Context) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions ORDER BY created_at DESC, id DESC LIMIT 1`)
	s, err := scanSession(row.Scan)
	if errors.Is(err, ErrNotFound) {
		return s, fmt.Errorf("no sessions exist; start one with rg session start: %w", ErrNotFound)
	}
	return s, err
}

func (r Repo) InsertActor(ctx context.Context, tx *sql.Tx, a domain.Actor) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO actors(session_id,name,role,domain,status,created_at) VALUES (?,?,?,?,?,?)`,
		a.SessionID, a.Name, a.Role, nullable(a.Domain), a.Status, a.CreatedAt)
	return err
}

func (r Repo) ListActors(ctx context.Context, sessionID string) ([]domain.Actor, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT session_id,name,role,COALESCE(domain,''),status,created_at FROM actors WHERE session_id=? ORDER BY created_at, name`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		var a domain.Actor
		if err := rows.Scan(&a.SessionID, &a.Name, &a.Role, &a.Domain, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) SetActorStatus(ctx context.Context, sessionID, name, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE actors SET status=? WHERE session_id=? AND name=?`, status, sessionID, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (r Repo) InsertMessage(ctx context.Context, m domain.Message) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO messages(id,session_id,sender,recipient,kind,body,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.SessionID, m.Sender, m.Recipient, m.Kind, nullable(m.Body), m.CreatedAt)
	return err
}

func (r Repo) ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	q := `SELECT id,session_id,sender,recipient,kind,COALESCE(body,''),created_at FROM messages WHERE session_id=? ORDER BY created_at, id`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Recipient, &m.Kind, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) ListEvents(ctx context.Context, sessionID string, limit int) ([]domain.Event, error) {
	q := `SELECT id,ts,type,COALESCE(session_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var args []any
	if sessionID != "" {
		q += ` WHERE session_id=?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SessionID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableptr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
