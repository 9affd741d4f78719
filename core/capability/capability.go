// Package capability reports what an agent can do to the authorization
// backend and normalises the backend's risk assessment.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/davidahmann/agentgate/core/clock"
	coreerrors "github.com/davidahmann/agentgate/core/errors"
	"github.com/davidahmann/agentgate/core/jcs"
	"github.com/davidahmann/agentgate/core/schema/v1/verification"
	"github.com/davidahmann/agentgate/core/schema/validate"
	"github.com/davidahmann/agentgate/core/transport"
)

const (
	DefaultRiskLevel   = "medium"
	DefaultDetectedVia = "manual"
)

// riskLevels is ordered from least to most severe.
var riskLevels = []string{"low", "medium", "high", "critical"}

type Capability struct {
	Type        string         `json:"type" yaml:"type"`
	Scope       map[string]any `json:"scope,omitempty" yaml:"scope"`
	RiskLevel   string         `json:"risk_level,omitempty" yaml:"risk_level"`
	DetectedVia string         `json:"detected_via,omitempty" yaml:"detected_via"`
}

type RiskSummary struct {
	Overall string         `json:"overall"`
	Score   *float64       `json:"score,omitempty"`
	Counts  map[string]int `json:"counts"`
}

type Summary struct {
	AgentID       string      `json:"agent_id"`
	AcceptedCount int         `json:"accepted_count"`
	RiskSummary   RiskSummary `json:"risk_summary"`
}

// AsyncResult is delivered once by ReportAsync.
type AsyncResult struct {
	Summary Summary
	Err     error
}

type Doer interface {
	Do(ctx context.Context, method, path string, body any, out any, opts transport.Options) error
}

type Options struct {
	Transport Doer
	Clock     clock.Clock
	Logger    *slog.Logger
}

type Reporter struct {
	agentID   string
	transport Doer
	clock     clock.Clock
	logger    *slog.Logger
}

func New(agentID string, opts Options) (*Reporter, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, coreerrors.Configuration("agent_id_missing", "capability reporter requires an agent id")
	}
	if opts.Transport == nil {
		return nil, coreerrors.Configuration("transport_missing", "capability reporter requires a transport")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		agentID:   agentID,
		transport: opts.Transport,
		clock:     clock.OrReal(opts.Clock),
		logger:    logger,
	}, nil
}

// Report sends the normalised capability list and returns the backend's
// assessment. Fields the backend omits are derived from the request.
func (r *Reporter) Report(ctx context.Context, capabilities []Capability) (Summary, error) {
	normalized, err := Normalize(capabilities)
	if err != nil {
		return Summary{}, err
	}
	report := verification.CapabilityReport{
		DetectedAt:   verification.Timestamp(r.clock.Now()),
		Capabilities: normalized,
	}
	var raw json.RawMessage
	path := "/agents/" + url.PathEscape(r.agentID) + "/capabilities"
	if err := r.transport.Do(ctx, http.MethodPost, path, report, &raw, transport.Options{Idempotent: true}); err != nil {
		return Summary{}, err
	}
	var response verification.CapabilityReportResponse
	if len(raw) > 0 {
		if err := validate.ValidateJSON(verification.CapabilityReportResponseSchema, raw); err != nil {
			return Summary{}, coreerrors.Verification(fmt.Errorf("capability report response: %w", err), "protocol_violation", false)
		}
		if err := json.Unmarshal(raw, &response); err != nil {
			return Summary{}, coreerrors.Verification(fmt.Errorf("decode capability report response: %w", err), "protocol_violation", false)
		}
	}
	summary := summarize(r.agentID, normalized, response)
	r.logger.Info("capabilities reported", "agent_id", r.agentID, "accepted", summary.AcceptedCount, "overall_risk", summary.RiskSummary.Overall)
	return summary, nil
}

// ReportAsync runs Report in the background. Failures are logged and
// delivered on the channel; they never reach the caller's workflow
// otherwise. The channel receives exactly one value and is then closed.
func (r *Reporter) ReportAsync(ctx context.Context, capabilities []Capability) <-chan AsyncResult {
	out := make(chan AsyncResult, 1)
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(out)
		summary, err := r.Report(ctx, capabilities)
		if err != nil {
			r.logger.Warn("capability report failed", "agent_id", r.agentID, "error", err.Error())
		}
		out <- AsyncResult{Summary: summary, Err: err}
	}()
	return out
}

// Normalize trims and lowercases types and risk levels, applies default risk
// level and detection source, and drops duplicates while keeping first-seen
// order. Risk levels outside the known scale are passed through for the
// backend to judge.
func Normalize(capabilities []Capability) ([]verification.Capability, error) {
	if len(capabilities) == 0 {
		return nil, coreerrors.InvalidInput("capabilities_empty", "at least one capability is required")
	}
	out := make([]verification.Capability, 0, len(capabilities))
	seen := map[string]struct{}{}
	for index, capability := range capabilities {
		capabilityType := strings.ToLower(strings.TrimSpace(capability.Type))
		if capabilityType == "" {
			return nil, coreerrors.InvalidInput("capability_type_missing", "capability %d has no type", index)
		}
		riskLevel := strings.ToLower(strings.TrimSpace(capability.RiskLevel))
		if riskLevel == "" {
			riskLevel = DefaultRiskLevel
		}
		detectedVia := strings.TrimSpace(capability.DetectedVia)
		if detectedVia == "" {
			detectedVia = DefaultDetectedVia
		}
		scope := capability.Scope
		if scope == nil {
			scope = map[string]any{}
		}
		canonicalScope, err := jcs.CanonicalizeValue(scope)
		if err != nil {
			return nil, coreerrors.InvalidInput("capability_scope_invalid", "capability %q scope: %v", capabilityType, err)
		}
		key := capabilityType + "\x00" + string(canonicalScope)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, verification.Capability{
			Type:        capabilityType,
			Scope:       scope,
			RiskLevel:   riskLevel,
			DetectedVia: detectedVia,
		})
	}
	return out, nil
}

func summarize(agentID string, sent []verification.Capability, response verification.CapabilityReportResponse) Summary {
	summary := Summary{AgentID: agentID, AcceptedCount: len(sent)}
	if strings.TrimSpace(response.AgentID) != "" {
		summary.AgentID = response.AgentID
	}
	if response.AcceptedCount != nil {
		summary.AcceptedCount = *response.AcceptedCount
	}
	counts := map[string]int{}
	overall := ""
	if assessment := response.RiskAssessment; assessment != nil {
		for level, count := range assessment.RiskCounts {
			counts[strings.ToLower(level)] += count
		}
		overall = strings.ToLower(strings.TrimSpace(assessment.OverallRiskLevel))
		summary.RiskSummary.Score = assessment.RiskScore
	}
	if len(counts) == 0 {
		for _, capability := range sent {
			counts[capability.RiskLevel]++
		}
	}
	if overall == "" {
		overall = highestRisk(counts)
	}
	summary.RiskSummary.Overall = overall
	summary.RiskSummary.Counts = counts
	return summary
}

// highestRisk ranks the known levels; a report carrying only unknown levels
// yields the first of them in sorted order.
func highestRisk(counts map[string]int) string {
	highest := ""
	for _, level := range riskLevels {
		if counts[level] > 0 {
			highest = level
		}
	}
	if highest != "" {
		return highest
	}
	for _, level := range slices.Sorted(maps.Keys(counts)) {
		if counts[level] > 0 {
			return level
		}
	}
	return DefaultRiskLevel
}
