package repo

import (
	"context"
	"database/sql"

	"reviewgate/internal/domain"
)

func (r Repo) InsertValidationRun(ctx context.Context, tx *sql.Tx, run domain.ValidationRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO validation_runs(id,session_id,iteration,outcome,created_at) VALUES (?,?,?,?,?)`,
		run.ID, run.SessionID, run.Iteration, run.Outcome, run.CreatedAt)
	if err != nil {
		return err
	}
	for i, l := range run.Layers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO validation_layers(run_id,position,name,outcome,detail) VALUES (?,?,?,?,?)`,
			run.ID, i, l.Name, l.Outcome, nullable(l.Detail)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListValidationRuns(ctx context.Context, sessionID string) ([]domain.ValidationRun, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,iteration,outcome,created_at FROM validation_runs WHERE session_id=? ORDER BY iteration`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationRun
	for rows.Next() {
		var run domain.ValidationRun
		if err := rows.Scan(&run.ID, &run.SessionID, &run.Iteration, &run.Outcome, &run.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Layers, err = r.listLayers(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) listLayers(ctx context.Context, runID string) ([]domain.LayerResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,outcome,COALESCE(detail,'') FROM validation_layers WHERE run_id=? ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LayerResult
	for rows.Next() {
		var l domain.LayerResult
		if err := rows.Scan(&l.Name, &l.Outcome, &l.Detail); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
