// Package verification holds the wire types of the authorization backend.
package verification

import "time"

const (
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusPending  = "pending"
)

// Request is the signed part of a verification request. Resource is a
// pointer so that an absent resource is sent as JSON null.
type Request struct {
	AgentID    string         `json:"agent_id"`
	ActionType string         `json:"action_type"`
	Resource   *string        `json:"resource"`
	Context    map[string]any `json:"context"`
	Timestamp  string         `json:"timestamp"`
}

// SignedRequest is Request with the signature and public key appended after
// signing. Both are standard base64.
type SignedRequest struct {
	Request
	Signature string `json:"signature"`
	PublicKey string `json:"public_key"`
}

// Response is returned by both submission and status polling.
type Response struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ApprovedBy   string `json:"approved_by,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	DenialReason string `json:"denial_reason,omitempty"`
}

type ResultReport struct {
	Success       bool    `json:"success"`
	ResultSummary *string `json:"result_summary"`
	ErrorMessage  *string `json:"error_message"`
	Timestamp     string  `json:"timestamp"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse carries a new refresh token only when the backend
// rotates.
type RefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

type RevokeRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type Capability struct {
	Type        string         `json:"type"`
	Scope       map[string]any `json:"scope"`
	RiskLevel   string         `json:"risk_level,omitempty"`
	DetectedVia string         `json:"detected_via,omitempty"`
}

type CapabilityReport struct {
	DetectedAt   string       `json:"detected_at"`
	Capabilities []Capability `json:"capabilities"`
}

type RiskAssessment struct {
	OverallRiskLevel string         `json:"overall_risk_level,omitempty"`
	RiskScore        *float64       `json:"risk_score,omitempty"`
	RiskCounts       map[string]int `json:"risk_counts,omitempty"`
}

type CapabilityReportResponse struct {
	AgentID        string          `json:"agent_id,omitempty"`
	AcceptedCount  *int            `json:"accepted_count,omitempty"`
	RiskAssessment *RiskAssessment `json:"risk_assessment,omitempty"`
}

// Registration is the signed part of an agent registration. The public key
// is inside the signed fields so the backend binds it to the new agent.
type Registration struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	PublicKey string `json:"public_key"`
	Timestamp string `json:"timestamp"`
}

type SignedRegistration struct {
	Registration
	Signature string `json:"signature"`
}

// RegistrationResponse carries the agent's first refresh token. An access
// token is optional.
type RegistrationResponse struct {
	AgentID      string `json:"agent_id"`
	Name         string `json:"name,omitempty"`
	Status       string `json:"status,omitempty"`
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// TargetRegistration declares the tool servers an agent talks to.
type TargetRegistration struct {
	TargetIDs       []string       `json:"mcp_server_ids"`
	DetectionMethod string         `json:"detection_method"`
	Confidence      float64        `json:"confidence"`
	Metadata        map[string]any `json:"metadata"`
}

type TargetRegistrationResponse struct {
	Added   int      `json:"added"`
	Total   *int     `json:"total,omitempty"`
	Targets []string `json:"mcp_servers,omitempty"`
}

// Timestamp formats t the way every request timestamp is sent.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

const (
	OutcomeApproved  = "approved"
	OutcomeDenied    = "denied"
	OutcomeTimeout   = "timeout"
	OutcomeAbandoned = "abandoned"
	OutcomeError     = "error"
)

// DecisionRecord is one line of the local decision journal.
type DecisionRecord struct {
	RecordedAt     string  `json:"recorded_at"`
	AgentID        string  `json:"agent_id"`
	VerificationID string  `json:"verification_id,omitempty"`
	ActionType     string  `json:"action_type"`
	Resource       *string `json:"resource"`
	Outcome        string  `json:"outcome"`
	ApprovedBy     string  `json:"approved_by,omitempty"`
	Reason         string  `json:"reason,omitempty"`
	WaitedMS       int64   `json:"waited_ms"`
}
