package domain

// Phase values for a session, in pipeline order. Abandoned is terminal and
// reachable from any phase.
const (
	PhaseSetup          = "setup"
	PhasePlanning       = "planning"
	PhaseImplementation = "implementation"
	PhaseValidation     = "validation"
	PhaseReview         = "review"
	PhaseReflection     = "reflection"
	PhaseComplete       = "complete"
	PhaseAbandoned      = "abandoned"
)

type Session struct {
	ID            string  `json:"id"`
	Task          string  `json:"task"`
	Mode          string  `json:"mode" enum:"full,lightweight"`
	Specialist    string  `json:"specialist,omitempty"`
	Phase         string  `json:"phase" enum:"setup,planning,implementation,validation,review,reflection,complete,abandoned"`
	Branch        string  `json:"branch,omitempty"`
	StartMarker   string  `json:"start_marker,omitempty"`
	PlanningRound int     `json:"planning_round"`
	ValidationRun int     `json:"validation_run"`
	ReviewCycle   int     `json:"review_cycle"`
	AbandonReason string  `json:"abandon_reason,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
}

// Actor roles. A session has exactly one implementer; reviewers carry the
// name of their review domain.
const (
	RoleImplementer = "implementer"
	RoleReviewer    = "reviewer"
)

// Actor statuses. Idle says nothing about task completion; phases only
// advance on qualifying message kinds.
const (
	ActorActive = "active"
	ActorIdle   = "idle"
)

type Actor struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	Role      string `json:"role" enum:"implementer,reviewer"`
	Domain    string `json:"domain,omitempty"`
	Status    string `json:"status" enum:"active,idle"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Message kinds recognized as qualifying by the orchestrator or a gate.
// Anything else is conversation between actors and never advances a phase.
const (
	KindTaskAssigned       = "task_assigned"
	KindPlanConfirmed      = "plan_confirmed"
	KindPlanApproved       = "plan_approved"
	KindReadyForValidation = "ready_for_validation"
	KindValidationFailed   = "validation_failed"
	KindReviewOpened       = "review_opened"
	KindFindingRaised      = "finding_raised"
	KindFindingFixed       = "finding_fixed"
	KindDeferralProposed   = "deferral_proposed"
	KindDeferralJudged     = "deferral_judged"
	KindVerdict            = "verdict"
	KindReworkRequested    = "rework_requested"
	KindReflectionOpened   = "reflection_opened"
	KindReflectionDone     = "reflection_done"
)

// OrchestratorName addresses the orchestrator itself on the bus.
const OrchestratorName = "orchestrator"

type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Kind      string `json:"kind"`
	Body      string `json:"body,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Gate statuses.
const (
	GateOpen      = "open"
	GateSatisfied = "satisfied"
	GateTimedOut  = "timed_out"
)

type Gate struct {
	SessionID      string   `json:"session_id"`
	Name           string   `json:"name"`
	Required       []string `json:"required"`
	Confirmed      []string `json:"confirmed,omitempty"`
	Status         string   `json:"status" enum:"open,satisfied,timed_out"`
	Round          int      `json:"round"`
	MaxRounds      int      `json:"max_rounds"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
}

// Severity levels for findings, lowest to highest.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// SeverityRank orders severities; unknown values rank below low.
func SeverityRank(s string) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Finding statuses. Findings are never deleted; deferred_accepted entries
// persist as recorded technical debt.
const (
	FindingOpen             = "open"
	FindingFixed            = "fixed"
	FindingDeferredProposed = "deferred_proposed"
	FindingDeferredAccepted = "deferred_accepted"
	FindingEscalated        = "escalated"
)

type Finding struct {
	ID            string `json:"id"`
	SessionID     string `json:"session_id"`
	RaisedBy      string `json:"raised_by"`
	Description   string `json:"description"`
	Severity      string `json:"severity" enum:"low,medium,high,critical"`
	Status        string `json:"status" enum:"open,fixed,deferred_proposed,deferred_accepted,escalated"`
	Justification string `json:"justification,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

// Verdict values a reviewer can render.
const (
	VerdictClear     = "clear"
	VerdictResolved  = "resolved"
	VerdictEscalated = "escalated"
)

type Verdict struct {
	SessionID string `json:"session_id"`
	Reviewer  string `json:"reviewer"`
	Verdict   string `json:"verdict" enum:"clear,resolved,escalated"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Layer outcomes for a validation run.
const (
	LayerPass    = "pass"
	LayerFail    = "fail"
	LayerSkipped = "skipped"
)

type LayerResult struct {
	Name    string `json:"name"`
	Outcome string `json:"outcome" enum:"pass,fail,skipped"`
	Detail  string `json:"detail,omitempty"`
}

type ValidationRun struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Iteration int           `json:"iteration"`
	Outcome   string        `json:"outcome" enum:"pass,fail"`
	Layers    []LayerResult `json:"layers"`
	CreatedAt string        `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
