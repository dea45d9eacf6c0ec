package ledger

import (
	"testing"

	"reviewgate/internal/domain"
)

var policy = Policy{
	ValidReasons: []string{
		"requires out-of-scope files",
		"requires its own design and testing cycle",
		"requires cross-component coordination",
	},
	InvalidMarkers: []string{"works as-is", "do it later", "minor issue"},
}

func TestFindingTransitions(t *testing.T) {
	valid := [][2]string{
		{domain.FindingOpen, domain.FindingFixed},
		{domain.FindingOpen, domain.FindingDeferredProposed},
		// auto-accept path for findings below the blocking threshold
		{domain.FindingOpen, domain.FindingDeferredAccepted},
		{domain.FindingDeferredProposed, domain.FindingDeferredAccepted},
		{domain.FindingDeferredProposed, domain.FindingEscalated},
	}
	for _, v := range valid {
		if err := EnsureTransition(v[0], v[1]); err != nil {
			t.Fatalf("%s -> %s: %v", v[0], v[1], err)
		}
	}
	invalid := [][2]string{
		{domain.FindingOpen, domain.FindingEscalated},
		{domain.FindingFixed, domain.FindingOpen},
		{domain.FindingDeferredAccepted, domain.FindingFixed},
	}
	for _, v := range invalid {
		if err := EnsureTransition(v[0], v[1]); err == nil {
			t.Fatalf("%s -> %s allowed", v[0], v[1])
		}
	}
}

func TestJudgeDeferral(t *testing.T) {
	if err := policy.JudgeDeferral("requires cross-component coordination with the billing service"); err != nil {
		t.Fatalf("valid reason rejected: %v", err)
	}
	if err := policy.JudgeDeferral("it works as-is, requires cross-component coordination"); err == nil {
		t.Fatalf("minimizing language accepted")
	}
	if err := policy.JudgeDeferral("we can do it later"); err == nil {
		t.Fatalf("no blocking reason accepted")
	}
	if err := policy.JudgeDeferral(""); err == nil {
		t.Fatalf("empty justification accepted")
	}
	if err := policy.JudgeDeferral("seems hard"); err == nil {
		t.Fatalf("unlisted reason accepted")
	}
}

func TestBlocks(t *testing.T) {
	if !Blocks(domain.SeverityLow, domain.SeverityLow) {
		t.Fatalf("any-finding threshold should block low")
	}
	if Blocks(domain.SeverityHigh, domain.SeverityCritical) {
		t.Fatalf("top-only threshold blocked high")
	}
	if !Blocks(domain.SeverityCritical, domain.SeverityCritical) {
		t.Fatalf("top-only threshold should block critical")
	}
}

func TestVerdictClear(t *testing.T) {
	v, final := Verdict(nil, domain.SeverityLow)
	if !final || v != domain.VerdictClear {
		t.Fatalf("verdict = %s, final = %v", v, final)
	}
}

func TestVerdictNonBlockingDebtIsResolved(t *testing.T) {
	// Top-only threshold, lower-severity finding left deferred_accepted:
	// resolved, not escalated, even with no recorded-valid justification.
	findings := []domain.Finding{{
		Severity: domain.SeverityLow,
		Status:   domain.FindingDeferredAccepted,
	}}
	v, final := Verdict(findings, domain.SeverityCritical)
	if !final || v != domain.VerdictResolved {
		t.Fatalf("verdict = %s, final = %v", v, final)
	}
}

func TestVerdictBlockingOpenIsNotFinal(t *testing.T) {
	findings := []domain.Finding{{
		Severity: domain.SeverityHigh,
		Status:   domain.FindingOpen,
	}}
	if _, final := Verdict(findings, domain.SeverityMedium); final {
		t.Fatalf("open blocking finding produced a final verdict")
	}
}

func TestVerdictEscalated(t *testing.T) {
	findings := []domain.Finding{
		{Severity: domain.SeverityHigh, Status: domain.FindingFixed},
		{Severity: domain.SeverityHigh, Status: domain.FindingEscalated},
	}
	v, final := Verdict(findings, domain.SeverityMedium)
	if !final || v != domain.VerdictEscalated {
		t.Fatalf("verdict = %s, final = %v", v, final)
	}
}
