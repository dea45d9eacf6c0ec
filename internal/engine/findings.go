package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"reviewgate/internal/domain"
	"reviewgate/internal/events"
	"reviewgate/internal/ledger"
)

// RaiseFinding records a new open finding from a reviewer. Only reviewers
// on the session roster can raise findings, and only during review.
func (e Engine) RaiseFinding(ctx context.Context, sessionID, reviewer, description, severity string) (domain.Finding, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Finding{}, err
	}
	if s.Phase != domain.PhaseReview {
		return domain.Finding{}, fmt.Errorf("findings can only be raised during review, session is in %s", s.Phase)
	}
	if domain.SeverityRank(severity) == 0 {
		return domain.Finding{}, fmt.Errorf("invalid severity %q", severity)
	}
	if _, ok := e.Config.Reviewers[reviewer]; !ok {
		return domain.Finding{}, fmt.Errorf("%s is not a reviewer on this session", reviewer)
	}

	now := e.nowStr()
	f := domain.Finding{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		RaisedBy:    reviewer,
		Description: description,
		Severity:    severity,
		Status:      domain.FindingOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return f, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertFinding(ctx, tx, f); err != nil {
		return f, fmt.Errorf("insert finding: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "finding.raised", sessionID, "finding", f.ID, reviewer, events.EventPayload{
		"severity": severity, "description": description,
	}); err != nil {
		return f, err
	}
	if err := tx.Commit(); err != nil {
		return f, err
	}
	return f, nil
}

// ResolveFinding marks an open finding fixed. The raising reviewer confirms
// the fix by the verdict they render later; the finding itself just moves.
func (e Engine) ResolveFinding(ctx context.Context, findingID, actorID string) (domain.Finding, error) {
	return e.moveFinding(ctx, findingID, domain.FindingFixed, "", actorID, "finding.fixed", nil)
}

// ProposeDeferral asks to defer a finding instead of fixing it. Findings
// below the raising reviewer's blocking threshold are accepted outright as
// technical debt; blocking findings wait for the reviewer's judgment.
func (e Engine) ProposeDeferral(ctx context.Context, findingID, justification, actorID string) (domain.Finding, error) {
	f, err := e.Repo.GetFinding(ctx, findingID)
	if err != nil {
		return f, err
	}
	threshold := e.Config.Reviewers[f.RaisedBy].BlockingThreshold
	if !ledger.Blocks(f.Severity, threshold) {
		return e.moveFinding(ctx, findingID, domain.FindingDeferredAccepted, justification, actorID, "finding.deferred", events.EventPayload{
			"auto": true, "severity": f.Severity, "threshold": threshold,
		})
	}
	return e.moveFinding(ctx, findingID, domain.FindingDeferredProposed, justification, actorID, "finding.deferral_proposed", nil)
}

// JudgeDeferral is the raising reviewer's decision on a proposed deferral.
// The justification is judged against the configured vocabulary: a valid
// blocking reason accepts the deferral, anything else escalates it.
func (e Engine) JudgeDeferral(ctx context.Context, findingID, actorID string) (domain.Finding, error) {
	f, err := e.Repo.GetFinding(ctx, findingID)
	if err != nil {
		return f, err
	}
	if f.Status != domain.FindingDeferredProposed {
		return f, fmt.Errorf("finding %s has no pending deferral", findingID)
	}
	if judgeErr := e.deferralPolicy().JudgeDeferral(f.Justification); judgeErr != nil {
		return e.moveFinding(ctx, findingID, domain.FindingEscalated, f.Justification, actorID, "finding.escalated", events.EventPayload{
			"judgment": judgeErr.Error(),
		})
	}
	return e.moveFinding(ctx, findingID, domain.FindingDeferredAccepted, f.Justification, actorID, "finding.deferred", nil)
}

func (e Engine) moveFinding(ctx context.Context, findingID, newStatus, justification, actorID, evtType string, payload events.EventPayload) (domain.Finding, error) {
	f, err := e.Repo.GetFinding(ctx, findingID)
	if err != nil {
		return f, err
	}
	if err := ledger.EnsureTransition(f.Status, newStatus); err != nil {
		return f, err
	}
	f.Status = newStatus
	if justification != "" {
		f.Justification = justification
	}
	f.UpdatedAt = e.nowStr()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return f, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateFinding(ctx, tx, f); err != nil {
		return f, err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["status"] = newStatus
	if err := e.Events.Append(ctx, tx, evtType, f.SessionID, "finding", f.ID, actorID, payload); err != nil {
		return f, err
	}
	if err := tx.Commit(); err != nil {
		return f, err
	}
	return f, nil
}

// ErrVerdictNotFinal reports a verdict computation attempted while a
// blocking finding is still unresolved.
var ErrVerdictNotFinal = errors.New("blocking findings still unresolved")

// RecordVerdict computes and persists a reviewer's verdict from their
// findings under their domain threshold. Open findings below the
// threshold are first recorded as accepted technical debt so a resolved
// verdict never leaves an open ledger entry behind.
func (e Engine) RecordVerdict(ctx context.Context, sessionID, reviewer string) (domain.Verdict, error) {
	dom, ok := e.Config.Reviewers[reviewer]
	if !ok {
		return domain.Verdict{}, fmt.Errorf("%s is not a reviewer on this session", reviewer)
	}
	findings, err := e.Repo.ListFindingsByReviewer(ctx, sessionID, reviewer)
	if err != nil {
		return domain.Verdict{}, err
	}
	// Non-blocking findings nobody fixed or deferred become accepted
	// technical debt the moment the verdict is rendered.
	for i, f := range findings {
		if f.Status != domain.FindingOpen || ledger.Blocks(f.Severity, dom.BlockingThreshold) {
			continue
		}
		moved, err := e.moveFinding(ctx, f.ID, domain.FindingDeferredAccepted, "below the reviewer's blocking threshold", reviewer, "finding.deferred", events.EventPayload{
			"auto": true, "severity": f.Severity, "threshold": dom.BlockingThreshold,
		})
		if err != nil {
			return domain.Verdict{}, err
		}
		findings[i] = moved
	}
	value, final := ledger.Verdict(findings, dom.BlockingThreshold)
	if !final {
		return domain.Verdict{}, fmt.Errorf("verdict for %s: %w", reviewer, ErrVerdictNotFinal)
	}
	v := domain.Verdict{
		SessionID: sessionID,
		Reviewer:  reviewer,
		Verdict:   value,
		CreatedAt: e.nowStr(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return v, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertVerdict(ctx, tx, v); err != nil {
		return v, err
	}
	if err := e.Events.Append(ctx, tx, "verdict.recorded", sessionID, "verdict", reviewer, reviewer, events.EventPayload{
		"verdict": value, "findings": len(findings),
	}); err != nil {
		return v, err
	}
	if err := tx.Commit(); err != nil {
		return v, err
	}
	return v, nil
}

// ReviewOutcome summarises the recorded verdicts. Complete is true once
// every configured reviewer has rendered one; escalated is true if any of
// them escalated.
func (e Engine) ReviewOutcome(ctx context.Context, sessionID string) (complete, escalated bool, err error) {
	verdicts, err := e.Repo.ListVerdicts(ctx, sessionID)
	if err != nil {
		return false, false, err
	}
	rendered := map[string]string{}
	for _, v := range verdicts {
		rendered[v.Reviewer] = v.Verdict
	}
	for _, name := range e.ReviewerNames() {
		v, ok := rendered[name]
		if !ok {
			return false, false, nil
		}
		if v == domain.VerdictEscalated {
			escalated = true
		}
	}
	return true, escalated, nil
}
