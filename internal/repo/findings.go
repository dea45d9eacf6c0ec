package repo

import (
	"context"
	"database/sql"

	"reviewgate/internal/domain"
)

func scanFinding(scan func(dest ...any) error) (domain.Finding, error) {
	var f domain.Finding
	err := scan(&f.ID, &f.SessionID, &f.RaisedBy, &f.Description, &f.Severity, &f.Status, &f.Justification, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) InsertFinding(ctx context.Context, tx *sql.Tx, f domain.Finding) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO findings(id,session_id,raised_by,description,severity,status,justification,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		f.ID, f.SessionID, f.RaisedBy, f.Description, f.Severity, f.Status, nullable(f.Justification), f.CreatedAt, f.UpdatedAt)
	return err
}

func (r Repo) GetFinding(ctx context.Context, id string) (domain.Finding, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,session_id,raised_by,description,severity,status,COALESCE(justification,''),created_at,updated_at FROM findings WHERE id=?`, id)
	return scanFinding(row.Scan)
}

func (r Repo) UpdateFinding(ctx context.Context, tx *sql.Tx, f domain.Finding) error {
	_, err := tx.ExecContext(ctx, `UPDATE findings SET status=?,justification=?,updated_at=? WHERE id=?`,
		f.Status, nullable(f.Justification), f.UpdatedAt, f.ID)
	return err
}

func (r Repo) ListFindings(ctx context.Context, sessionID string) ([]domain.Finding, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,raised_by,description,severity,status,COALESCE(justification,''),created_at,updated_at FROM findings WHERE session_id=? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Finding
	for rows.Next() {
		f, err := scanFinding(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// ListFindingsByReviewer returns findings raised by one reviewer, used for
// verdict computation.
func (r Repo) ListFindingsByReviewer(ctx context.Context, sessionID, reviewer string) ([]domain.Finding, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,raised_by,description,severity,status,COALESCE(justification,''),created_at,updated_at FROM findings WHERE session_id=? AND raised_by=? ORDER BY created_at, id`, sessionID, reviewer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Finding
	for rows.Next() {
		f, err := scanFinding(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) UpsertVerdict(ctx context.Context, tx *sql.Tx, v domain.Verdict) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO verdicts(session_id,reviewer,verdict,created_at) VALUES (?,?,?,?)
		ON CONFLICT(session_id,reviewer) DO UPDATE SET verdict=excluded.verdict, created_at=excluded.created_at`,
		v.SessionID, v.Reviewer, v.Verdict, v.CreatedAt)
	return err
}

func (r Repo) ListVerdicts(ctx context.Context, sessionID string) ([]domain.Verdict, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT session_id,reviewer,verdict,created_at FROM verdicts WHERE session_id=? ORDER BY reviewer`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Verdict
	for rows.Next() {
		var v domain.Verdict
		if err := rows.Scan(&v.SessionID, &v.Reviewer, &v.Verdict, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
