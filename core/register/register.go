// Package register enrols a new agent with the authorization backend and
// declares the tool servers it talks to.
package register

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/davidahmann/agentgate/core/clock"
	coreerrors "github.com/davidahmann/agentgate/core/errors"
	"github.com/davidahmann/agentgate/core/jcs"
	"github.com/davidahmann/agentgate/core/schema/v1/verification"
	"github.com/davidahmann/agentgate/core/schema/validate"
	"github.com/davidahmann/agentgate/core/sign"
	"github.com/davidahmann/agentgate/core/transport"
)

const (
	DefaultAgentType       = "ai_agent"
	DefaultDetectionMethod = "manual"
	DefaultConfidence      = 100.0

	registerPath = "/agents/register"
)

var detectionMethods = []string{"manual", "auto_sdk", "auto_config", "cli"}

type Doer interface {
	Do(ctx context.Context, method, path string, body any, out any, opts transport.Options) error
}

type Options struct {
	Transport Doer
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Request names the agent being registered. Type defaults to
// DefaultAgentType.
type Request struct {
	Name string
	Type string
}

// TargetRequest declares tool servers for an already registered agent.
type TargetRequest struct {
	TargetIDs       []string
	DetectionMethod string
	// Confidence is a percentage; zero means DefaultConfidence.
	Confidence float64
	Metadata   map[string]any
}

type TargetSummary struct {
	AgentID string   `json:"agent_id"`
	Added   int      `json:"added"`
	Total   int      `json:"total"`
	Targets []string `json:"targets"`
}

type Registrar struct {
	signer    *sign.Signer
	transport Doer
	clock     clock.Clock
	logger    *slog.Logger
}

func New(signer *sign.Signer, opts Options) (*Registrar, error) {
	if signer == nil {
		return nil, coreerrors.Configuration("private_key_missing", "registration requires an agent signing key")
	}
	if opts.Transport == nil {
		return nil, coreerrors.Configuration("transport_missing", "registrar requires a transport")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{
		signer:    signer,
		transport: opts.Transport,
		clock:     clock.OrReal(opts.Clock),
		logger:    logger,
	}, nil
}

// BuildRegistration signs the canonical form of the registration fields,
// public key included.
func (r *Registrar) BuildRegistration(request Request) (verification.SignedRegistration, error) {
	name := strings.TrimSpace(request.Name)
	if name == "" {
		return verification.SignedRegistration{}, coreerrors.InvalidInput("agent_name_missing", "registration requires an agent name")
	}
	agentType := strings.ToLower(strings.TrimSpace(request.Type))
	if agentType == "" {
		agentType = DefaultAgentType
	}
	registration := verification.Registration{
		Name:      name,
		Type:      agentType,
		PublicKey: r.signer.PublicKeyBase64(),
		Timestamp: verification.Timestamp(r.clock.Now()),
	}
	canonical, err := jcs.CanonicalizeValue(registration)
	if err != nil {
		return verification.SignedRegistration{}, coreerrors.InvalidInput("registration_not_serializable", "registration: %v", err)
	}
	return verification.SignedRegistration{
		Registration: registration,
		Signature:    base64.StdEncoding.EncodeToString(r.signer.Sign(canonical)),
	}, nil
}

// Register sends the signed registration without a bearer token and
// returns the backend's answer, which carries the first refresh token.
// Registration is never retried: a lost response may already have
// created the agent.
func (r *Registrar) Register(ctx context.Context, request Request) (verification.RegistrationResponse, error) {
	signed, err := r.BuildRegistration(request)
	if err != nil {
		return verification.RegistrationResponse{}, err
	}
	var raw json.RawMessage
	if err := r.transport.Do(ctx, http.MethodPost, registerPath, signed, &raw, transport.Options{SkipAuth: true}); err != nil {
		return verification.RegistrationResponse{}, err
	}
	if err := validate.ValidateJSON(verification.RegistrationResponseSchema, raw); err != nil {
		return verification.RegistrationResponse{}, coreerrors.Verification(fmt.Errorf("registration response: %w", err), "protocol_violation", false)
	}
	var response verification.RegistrationResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		return verification.RegistrationResponse{}, coreerrors.Verification(fmt.Errorf("decode registration response: %w", err), "protocol_violation", false)
	}
	r.logger.Info("agent registered", "agent_id", response.AgentID, "name", signed.Name, "key_id", r.signer.KeyID())
	return response, nil
}

// RegisterTargets declares tool servers for agentID. Identifiers are
// trimmed and deduplicated; the call is an idempotent replace-or-add on the
// backend and so may be retried.
func (r *Registrar) RegisterTargets(ctx context.Context, agentID string, request TargetRequest) (TargetSummary, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return TargetSummary{}, coreerrors.Configuration("agent_id_missing", "target registration requires an agent id")
	}
	body, err := normalizeTargets(request)
	if err != nil {
		return TargetSummary{}, err
	}
	var raw json.RawMessage
	path := "/agents/" + url.PathEscape(agentID) + "/mcp-servers"
	if err := r.transport.Do(ctx, http.MethodPut, path, body, &raw, transport.Options{Idempotent: true}); err != nil {
		return TargetSummary{}, err
	}
	var response verification.TargetRegistrationResponse
	if err := validate.ValidateJSON(verification.TargetRegistrationResponseSchema, raw); err != nil {
		return TargetSummary{}, coreerrors.Verification(fmt.Errorf("target registration response: %w", err), "protocol_violation", false)
	}
	if err := json.Unmarshal(raw, &response); err != nil {
		return TargetSummary{}, coreerrors.Verification(fmt.Errorf("decode target registration response: %w", err), "protocol_violation", false)
	}
	summary := TargetSummary{AgentID: agentID, Added: response.Added, Total: response.Added, Targets: response.Targets}
	if response.Total != nil {
		summary.Total = *response.Total
	}
	if len(summary.Targets) == 0 {
		summary.Targets = body.TargetIDs
	}
	r.logger.Info("targets registered", "agent_id", agentID, "added", summary.Added, "method", body.DetectionMethod)
	return summary, nil
}

func normalizeTargets(request TargetRequest) (verification.TargetRegistration, error) {
	ids := make([]string, 0, len(request.TargetIDs))
	for _, id := range request.TargetIDs {
		id = strings.TrimSpace(id)
		if id == "" || slices.Contains(ids, id) {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return verification.TargetRegistration{}, coreerrors.InvalidInput("targets_empty", "at least one target server id is required")
	}
	method := strings.ToLower(strings.TrimSpace(request.DetectionMethod))
	if method == "" {
		method = DefaultDetectionMethod
	}
	if !slices.Contains(detectionMethods, method) {
		return verification.TargetRegistration{}, coreerrors.InvalidInput("detection_method_invalid", "detection method %q is not one of %s", method, strings.Join(detectionMethods, ", "))
	}
	confidence := request.Confidence
	if confidence == 0 {
		confidence = DefaultConfidence
	}
	if confidence < 0 || confidence > 100 {
		return verification.TargetRegistration{}, coreerrors.InvalidInput("confidence_invalid", "confidence %.1f is outside 0-100", confidence)
	}
	metadata := request.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return verification.TargetRegistration{
		TargetIDs:       ids,
		DetectionMethod: method,
		Confidence:      confidence,
		Metadata:        metadata,
	}, nil
}
