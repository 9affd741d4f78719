package testutil

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/davidahmann/agentgate/core/jcs"
	"github.com/davidahmann/agentgate/core/schema/v1/verification"
	"github.com/davidahmann/agentgate/core/sign"
)

// Backend is an in-process authorization backend. It checks every
// submission's signature the way the real service does and answers from
// scripted responses.
type Backend struct {
	server *httptest.Server

	mu             sync.Mutex
	decide         func(verification.SignedRequest) verification.Response
	pollSequences  map[string][]verification.Response
	failPolls      int
	submissions    []verification.SignedRequest
	results        []ResultCall
	polls          map[string]int
	refreshToken   string
	rotate         bool
	accessTokens   int
	refreshCalls   int
	revokeCalls    int
	capabilities   []CapabilityCall
	capStatus      int
	capResponse    any
	sequence       int
	authorizations []string
	registrations  []verification.SignedRegistration
	targets        []TargetCall
}

type ResultCall struct {
	VerificationID string
	Report         verification.ResultReport
}

type TargetCall struct {
	AgentID       string
	Authorization string
	Registration  verification.TargetRegistration
}

type CapabilityCall struct {
	AgentID string
	Report  verification.CapabilityReport
}

func NewBackend(t *testing.T) *Backend {
	t.Helper()
	backend := &Backend{
		pollSequences: map[string][]verification.Response{},
		polls:         map[string]int{},
		capStatus:     http.StatusOK,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /verifications", backend.handleSubmit)
	mux.HandleFunc("GET /verifications/{id}", backend.handlePoll)
	mux.HandleFunc("POST /verifications/{id}/result", backend.handleResult)
	mux.HandleFunc("POST /auth/refresh", backend.handleRefresh)
	mux.HandleFunc("POST /auth/revoke", backend.handleRevoke)
	mux.HandleFunc("POST /agents/{agent_id}/capabilities", backend.handleCapabilities)
	mux.HandleFunc("POST /agents/register", backend.handleRegister)
	mux.HandleFunc("PUT /agents/{agent_id}/mcp-servers", backend.handleTargets)
	backend.server = httptest.NewServer(mux)
	t.Cleanup(backend.server.Close)
	return backend
}

func (b *Backend) URL() string {
	return b.server.URL
}

func (b *Backend) Close() {
	b.server.Close()
}

// OnSubmit sets the decision for new submissions. The default approves
// with a generated id.
func (b *Backend) OnSubmit(decide func(verification.SignedRequest) verification.Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.decide = decide
}

// SetPollSequence scripts status responses for id. The last response
// repeats once the sequence is exhausted.
func (b *Backend) SetPollSequence(id string, responses ...verification.Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pollSequences[id] = responses
}

// FailPolls makes the next n status queries return 503.
func (b *Backend) FailPolls(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPolls = n
}

// SetRefreshToken makes token the only accepted refresh token. With rotate
// set, every refresh issues a new one.
func (b *Backend) SetRefreshToken(token string, rotate bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshToken = token
	b.rotate = rotate
}

func (b *Backend) RefreshToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshToken
}

func (b *Backend) SetCapabilityResponse(status int, body any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capStatus = status
	b.capResponse = body
}

func (b *Backend) Submissions() []verification.SignedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]verification.SignedRequest(nil), b.submissions...)
}

func (b *Backend) Results() []ResultCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ResultCall(nil), b.results...)
}

func (b *Backend) PollCount(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls[id]
}

func (b *Backend) CapabilityReports() []CapabilityCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]CapabilityCall(nil), b.capabilities...)
}

func (b *Backend) RefreshCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshCalls
}

func (b *Backend) RevokeCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.revokeCalls
}

func (b *Backend) Registrations() []verification.SignedRegistration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]verification.SignedRegistration(nil), b.registrations...)
}

func (b *Backend) TargetRegistrations() []TargetCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]TargetCall(nil), b.targets...)
}

// Authorizations lists the Authorization header of every submission.
func (b *Backend) Authorizations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.authorizations...)
}

// Approved, Denied and Pending build scripted responses.
func Approved(id, approver string) verification.Response {
	return verification.Response{ID: id, Status: verification.StatusApproved, ApprovedBy: approver, ExpiresAt: "2026-03-01T13:00:00Z"}
}

func Denied(id, reason string) verification.Response {
	return verification.Response{ID: id, Status: verification.StatusDenied, DenialReason: reason}
}

func Pending(id string) verification.Response {
	return verification.Response{ID: id, Status: verification.StatusPending}
}

func (b *Backend) handleSubmit(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	var request verification.SignedRequest
	if err := json.Unmarshal(raw, &request); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	if err := verifySubmission(raw); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "invalid_signature", "message": err.Error()})
		return
	}

	b.mu.Lock()
	b.sequence++
	b.submissions = append(b.submissions, request)
	b.authorizations = append(b.authorizations, r.Header.Get("Authorization"))
	decide := b.decide
	sequence := b.sequence
	b.mu.Unlock()

	response := Approved(fmt.Sprintf("ver-%d", sequence), "auto-policy")
	if decide != nil {
		response = decide(request)
	}
	writeJSON(w, http.StatusCreated, response)
}

func (b *Backend) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b.mu.Lock()
	b.polls[id]++
	if b.failPolls > 0 {
		b.failPolls--
		b.mu.Unlock()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "try later"})
		return
	}
	sequence, ok := b.pollSequences[id]
	if !ok || len(sequence) == 0 {
		b.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"code": "not_found", "message": "unknown verification"})
		return
	}
	response := sequence[0]
	if len(sequence) > 1 {
		b.pollSequences[id] = sequence[1:]
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, response)
}

func (b *Backend) handleResult(w http.ResponseWriter, r *http.Request) {
	var report verification.ResultReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	b.mu.Lock()
	b.results = append(b.results, ResultCall{VerificationID: r.PathValue("id"), Report: report})
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"logged": true})
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var request verification.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshCalls++
	if b.refreshToken == "" || request.RefreshToken != b.refreshToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "invalid_refresh_token", "message": "refresh token rejected"})
		return
	}
	b.accessTokens++
	response := verification.RefreshResponse{
		AccessToken: fmt.Sprintf("access-%d", b.accessTokens),
		TokenType:   "Bearer",
		ExpiresIn:   3600,
	}
	if b.rotate {
		b.refreshToken = fmt.Sprintf("%s-r%d", request.RefreshToken, b.accessTokens)
		response.RefreshToken = b.refreshToken
	}
	writeJSON(w, http.StatusOK, response)
}

func (b *Backend) handleRevoke(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.revokeCalls++
	b.refreshToken = ""
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	var report verification.CapabilityReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	b.mu.Lock()
	b.capabilities = append(b.capabilities, CapabilityCall{AgentID: r.PathValue("agent_id"), Report: report})
	status := b.capStatus
	body := b.capResponse
	b.mu.Unlock()
	if body == nil {
		counts := map[string]int{}
		for _, capability := range report.Capabilities {
			counts[capability.RiskLevel]++
		}
		accepted := len(report.Capabilities)
		body = verification.CapabilityReportResponse{
			AgentID:        r.PathValue("agent_id"),
			AcceptedCount:  &accepted,
			RiskAssessment: &verification.RiskAssessment{OverallRiskLevel: "medium", RiskCounts: counts},
		}
	}
	writeJSON(w, status, body)
}

// handleRegister issues agt-reg-N with refresh token refresh-reg-N, which
// becomes the accepted refresh token.
func (b *Backend) handleRegister(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	var registration verification.SignedRegistration
	if err := json.Unmarshal(raw, &registration); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	if err := verifyRegistration(raw); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "invalid_signature", "message": err.Error()})
		return
	}
	b.mu.Lock()
	b.registrations = append(b.registrations, registration)
	count := len(b.registrations)
	b.refreshToken = fmt.Sprintf("refresh-reg-%d", count)
	response := verification.RegistrationResponse{
		AgentID:      fmt.Sprintf("agt-reg-%d", count),
		Name:         registration.Name,
		Status:       "verified",
		RefreshToken: b.refreshToken,
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusCreated, response)
}

func (b *Backend) handleTargets(w http.ResponseWriter, r *http.Request) {
	var registration verification.TargetRegistration
	if err := json.NewDecoder(r.Body).Decode(&registration); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	b.mu.Lock()
	b.targets = append(b.targets, TargetCall{
		AgentID:       r.PathValue("agent_id"),
		Authorization: r.Header.Get("Authorization"),
		Registration:  registration,
	})
	b.mu.Unlock()
	total := len(registration.TargetIDs)
	writeJSON(w, http.StatusOK, verification.TargetRegistrationResponse{
		Added:   len(registration.TargetIDs),
		Total:   &total,
		Targets: registration.TargetIDs,
	})
}

// verifyRegistration checks the signature over every field but signature;
// the public key is part of the signed fields.
func verifyRegistration(raw []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	signatureText, _ := fields["signature"].(string)
	publicKeyText, _ := fields["public_key"].(string)
	delete(fields, "signature")
	return verifySignature(fields, signatureText, publicKeyText)
}

// verifySubmission checks the signature over the canonical form of every
// field except signature and public_key.
func verifySubmission(raw []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	signatureText, _ := fields["signature"].(string)
	publicKeyText, _ := fields["public_key"].(string)
	delete(fields, "signature")
	delete(fields, "public_key")
	return verifySignature(fields, signatureText, publicKeyText)
}

func verifySignature(fields map[string]any, signatureText, publicKeyText string) error {
	signature, err := base64.StdEncoding.DecodeString(signatureText)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	publicKey, err := sign.ParsePublicKeyBase64(publicKeyText)
	if err != nil {
		return err
	}
	canonical, err := jcs.CanonicalizeValue(fields)
	if err != nil {
		return err
	}
	if !sign.Verify(publicKey, canonical, signature) {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
