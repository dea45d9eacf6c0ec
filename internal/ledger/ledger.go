// Package ledger holds the review protocol rules: the finding state
// machine, deferral justification judgment and verdict computation.
package ledger

import (
	"fmt"
	"strings"

	"reviewgate/internal/domain"
)

// EnsureTransition guards the per-finding state machine. Findings are never
// deleted; terminal entries persist as recorded technical debt. An open
// finding may move straight to deferred_accepted: that is the auto-accept
// path for findings below the blocking threshold.
func EnsureTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.FindingOpen:
		switch newStatus {
		case domain.FindingFixed, domain.FindingDeferredProposed, domain.FindingDeferredAccepted:
			return nil
		}
	case domain.FindingDeferredProposed:
		if newStatus == domain.FindingDeferredAccepted || newStatus == domain.FindingEscalated {
			return nil
		}
	}
	return fmt.Errorf("invalid finding status transition %s -> %s", oldStatus, newStatus)
}

// Policy is the fixed vocabulary a raising reviewer judges deferral
// justifications against.
type Policy struct {
	ValidReasons   []string
	InvalidMarkers []string
}

// JudgeDeferral decides whether a justification supports accepting the
// deferral. Severity-minimizing language always fails; a justification must
// name one of the valid blocking reasons.
func (p Policy) JudgeDeferral(justification string) error {
	j := strings.ToLower(strings.TrimSpace(justification))
	if j == "" {
		return fmt.Errorf("deferral requires a justification")
	}
	for _, marker := range p.InvalidMarkers {
		if strings.Contains(j, strings.ToLower(marker)) {
			return fmt.Errorf("justification %q minimizes the finding instead of naming a blocking reason", justification)
		}
	}
	for _, reason := range p.ValidReasons {
		if strings.Contains(j, strings.ToLower(reason)) {
			return nil
		}
	}
	return fmt.Errorf("justification %q does not name a valid blocking reason", justification)
}

// Blocks reports whether a finding of the given severity blocks approval
// under a domain's blocking threshold.
func Blocks(severity, threshold string) bool {
	return domain.SeverityRank(severity) >= domain.SeverityRank(threshold)
}

// Verdict computes a reviewer's verdict from their findings under their
// domain threshold. The second return is false while any blocking finding
// is still unresolved, meaning no final verdict can be rendered yet.
// Findings below the threshold never block: whatever their resolution
// state, they are accepted technical debt.
func Verdict(findings []domain.Finding, threshold string) (string, bool) {
	if len(findings) == 0 {
		return domain.VerdictClear, true
	}
	verdict := domain.VerdictResolved
	for _, f := range findings {
		if !Blocks(f.Severity, threshold) {
			continue
		}
		switch f.Status {
		case domain.FindingEscalated:
			verdict = domain.VerdictEscalated
		case domain.FindingOpen, domain.FindingDeferredProposed:
			return "", false
		}
	}
	return verdict, true
}
