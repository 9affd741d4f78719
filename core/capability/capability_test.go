package capability

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/davidahmann/agentgate/core/clock"
	coreerrors "github.com/davidahmann/agentgate/core/errors"
	"github.com/davidahmann/agentgate/core/schema/v1/verification"
	"github.com/davidahmann/agentgate/core/transport"
	"github.com/davidahmann/agentgate/internal/testutil"
)

func newTestReporter(t *testing.T, backend *testutil.Backend) *Reporter {
	t.Helper()
	doer, err := transport.New(transport.Config{
		BaseURL: backend.URL(),
		Retry:   transport.RetryPolicy{MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	reporter, err := New("agt-1", Options{
		Transport: doer,
		Clock:     clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("new reporter: %v", err)
	}
	return reporter
}

func TestNormalize(t *testing.T) {
	normalized, err := Normalize([]Capability{
		{Type: " File:Read ", Scope: map[string]any{"paths": []any{"/data"}}},
		{Type: "file:read", Scope: map[string]any{"paths": []any{"/data"}}, RiskLevel: "LOW"},
		{Type: "network:http", RiskLevel: "High", DetectedVia: "import_scan"},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(normalized) != 2 {
		t.Fatalf("expected duplicates dropped, got %#v", normalized)
	}
	first := normalized[0]
	if first.Type != "file:read" || first.RiskLevel != DefaultRiskLevel || first.DetectedVia != DefaultDetectedVia {
		t.Fatalf("unexpected first capability: %#v", first)
	}
	second := normalized[1]
	if second.Type != "network:http" || second.RiskLevel != "high" || second.DetectedVia != "import_scan" || second.Scope == nil {
		t.Fatalf("unexpected second capability: %#v", second)
	}
}

func TestNormalizePassesUnknownRiskLevelThrough(t *testing.T) {
	normalized, err := Normalize([]Capability{{Type: "payments:refund", RiskLevel: " Extreme "}})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(normalized) != 1 || normalized[0].RiskLevel != "extreme" {
		t.Fatalf("expected lowercased unknown level, got %#v", normalized)
	}
	if got := highestRisk(map[string]int{"extreme": 1}); got != "extreme" {
		t.Fatalf("highestRisk with only unknown levels = %q", got)
	}
	if got := highestRisk(map[string]int{"extreme": 1, "low": 2}); got != "low" {
		t.Fatalf("highestRisk should prefer known levels, got %q", got)
	}
}

func TestReportForwardsUnknownRiskLevel(t *testing.T) {
	backend := testutil.NewBackend(t)
	reporter := newTestReporter(t, backend)
	if _, err := reporter.Report(context.Background(), []Capability{{Type: "payments:refund", RiskLevel: "Severe"}}); err != nil {
		t.Fatalf("report: %v", err)
	}
	reports := backend.CapabilityReports()
	if len(reports) != 1 || reports[0].Report.Capabilities[0].RiskLevel != "severe" {
		t.Fatalf("unexpected forwarded report: %#v", reports)
	}
}

func TestNormalizeRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name string
		in   []Capability
		code string
	}{
		{name: "empty", in: nil, code: "capabilities_empty"},
		{name: "missing_type", in: []Capability{{Type: "  "}}, code: "capability_type_missing"},
		{name: "bad_scope", in: []Capability{{Type: "x", Scope: map[string]any{"c": make(chan int)}}}, code: "capability_scope_invalid"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize(tc.in)
			if coreerrors.CategoryOf(err) != coreerrors.CategoryInvalidInput || coreerrors.CodeOf(err) != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestReportUsesBackendAssessment(t *testing.T) {
	backend := testutil.NewBackend(t)
	reporter := newTestReporter(t, backend)
	summary, err := reporter.Report(context.Background(), []Capability{
		{Type: "file:read", RiskLevel: "low"},
		{Type: "db:write", RiskLevel: "high"},
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if summary.AgentID != "agt-1" || summary.AcceptedCount != 2 || summary.RiskSummary.Overall != "medium" {
		t.Fatalf("unexpected summary: %#v", summary)
	}
	if summary.RiskSummary.Counts["low"] != 1 || summary.RiskSummary.Counts["high"] != 1 {
		t.Fatalf("unexpected counts: %#v", summary.RiskSummary.Counts)
	}
	calls := backend.CapabilityReports()
	if len(calls) != 1 || calls[0].AgentID != "agt-1" {
		t.Fatalf("unexpected backend calls: %#v", calls)
	}
	if calls[0].Report.DetectedAt != "2026-03-01T12:00:00Z" || len(calls[0].Report.Capabilities) != 2 {
		t.Fatalf("unexpected report body: %#v", calls[0].Report)
	}
}

func TestReportNormalisesMissingResponseFields(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.SetCapabilityResponse(http.StatusOK, map[string]any{})
	reporter := newTestReporter(t, backend)
	summary, err := reporter.Report(context.Background(), []Capability{
		{Type: "file:read", RiskLevel: "low"},
		{Type: "shell:exec", RiskLevel: "critical"},
		{Type: "network:http"},
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if summary.AcceptedCount != 3 {
		t.Fatalf("expected accepted count derived from request, got %d", summary.AcceptedCount)
	}
	if summary.RiskSummary.Overall != "critical" {
		t.Fatalf("expected highest request risk, got %q", summary.RiskSummary.Overall)
	}
	if summary.RiskSummary.Counts["medium"] != 1 {
		t.Fatalf("unexpected counts: %#v", summary.RiskSummary.Counts)
	}
}

func TestReportProtocolViolation(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.SetCapabilityResponse(http.StatusOK, map[string]any{"accepted_count": "many"})
	reporter := newTestReporter(t, backend)
	_, err := reporter.Report(context.Background(), []Capability{{Type: "file:read"}})
	if coreerrors.CodeOf(err) != "protocol_violation" {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestReportAsyncDeliversFailure(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.SetCapabilityResponse(http.StatusBadRequest, map[string]any{"message": "unknown agent"})
	reporter := newTestReporter(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	results := reporter.ReportAsync(ctx, []Capability{{Type: "file:read"}})
	cancel()
	result, ok := <-results
	if !ok {
		t.Fatalf("expected one result")
	}
	if !errors.Is(result.Err, coreerrors.ErrVerification) {
		t.Fatalf("expected verification error, got %v", result.Err)
	}
	if _, open := <-results; open {
		t.Fatalf("expected channel closed after one result")
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New("", Options{}); !errors.Is(err, coreerrors.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := New("agt-1", Options{}); !errors.Is(err, coreerrors.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSummarizeKeepsBackendScore(t *testing.T) {
	score := 7.5
	accepted := 1
	summary := summarize("agt-1", []verification.Capability{{Type: "x", RiskLevel: "low"}}, verification.CapabilityReportResponse{
		AcceptedCount:  &accepted,
		RiskAssessment: &verification.RiskAssessment{OverallRiskLevel: "HIGH", RiskScore: &score},
	})
	if summary.RiskSummary.Overall != "high" || summary.RiskSummary.Score == nil || *summary.RiskSummary.Score != 7.5 {
		t.Fatalf("unexpected summary: %#v", summary)
	}
	if summary.RiskSummary.Counts["low"] != 1 {
		t.Fatalf("expected counts derived from request: %#v", summary.RiskSummary.Counts)
	}
}
