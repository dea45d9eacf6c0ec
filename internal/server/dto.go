package server

import "reviewgate/internal/domain"

// StatusBody is the compact status surface: what phase the latest session
// is in and whether anything still blocks it.
type StatusBody struct {
	SessionID     string `json:"session_id"`
	Phase         string `json:"phase"`
	Mode          string `json:"mode"`
	ValidationRun int    `json:"validation_run"`
	ReviewCycle   int    `json:"review_cycle"`
	OpenFindings  int    `json:"open_findings"`
}

// PrincipalBody is the identity the caller's credentials resolved to.
type PrincipalBody struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source" enum:"jwt,api_key,open"`
}

// SessionDetail is the full persisted record of one session.
type SessionDetail struct {
	Session  domain.Session   `json:"session"`
	Actors   []domain.Actor   `json:"actors"`
	Gates    []domain.Gate    `json:"gates"`
	Verdicts []domain.Verdict `json:"verdicts"`
	Findings []domain.Finding `json:"findings"`
}
