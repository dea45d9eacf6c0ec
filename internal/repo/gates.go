package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"reviewgate/internal/domain"
)

func (r Repo) UpsertGate(ctx context.Context, tx *sql.Tx, g domain.Gate) error {
	required, err := json.Marshal(g.Required)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO gates(session_id,name,required_json,status,round,max_rounds,timeout_seconds,created_at) VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(session_id,name) DO UPDATE SET status=excluded.status, round=excluded.round`,
		g.SessionID, g.Name, string(required), g.Status, g.Round, g.MaxRounds, g.TimeoutSeconds, g.CreatedAt)
	return err
}

func (r Repo) GetGate(ctx context.Context, sessionID, name string) (domain.Gate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT session_id,name,required_json,status,round,max_rounds,timeout_seconds,created_at FROM gates WHERE session_id=? AND name=?`, sessionID, name)
	var g domain.Gate
	var required string
	err := row.Scan(&g.SessionID, &g.Name, &required, &g.Status, &g.Round, &g.MaxRounds, &g.TimeoutSeconds, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	if err := json.Unmarshal([]byte(required), &g.Required); err != nil {
		return g, err
	}
	g.Confirmed, err = r.listConfirmations(ctx, sessionID, name)
	return g, err
}

func (r Repo) ListGates(ctx context.Context, sessionID string) ([]domain.Gate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name FROM gates WHERE session_id=? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var res []domain.Gate
	for _, n := range names {
		g, err := r.GetGate(ctx, sessionID, n)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, nil
}

// InsertConfirmation records a gate confirmation. Re-confirmation is a no-op
// so the confirmed set only grows.
func (r Repo) InsertConfirmation(ctx context.Context, tx *sql.Tx, sessionID, gateName, actor, ts string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO gate_confirmations(session_id,gate_name,actor,confirmed_at) VALUES (?,?,?,?)
		ON CONFLICT(session_id,gate_name,actor) DO NOTHING`, sessionID, gateName, actor, ts)
	return err
}

func (r Repo) listConfirmations(ctx context.Context, sessionID, gateName string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT actor FROM gate_confirmations WHERE session_id=? AND gate_name=? ORDER BY confirmed_at, actor`, sessionID, gateName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
