package verify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	coreerrors "github.com/davidahmann/agentgate/core/errors"
	"github.com/davidahmann/agentgate/core/fsx"
	"github.com/davidahmann/agentgate/core/schema/v1/verification"
	"github.com/davidahmann/agentgate/core/transport"
)

const resultLogTimeout = 10 * time.Second

// ResultReport is what happened after an approved action ran.
type ResultReport struct {
	Success bool
	Summary string
	Error   string
}

// LogActionResult reports the outcome of an approved action. It never
// fails the caller: errors are logged and dropped, and cancellation of ctx
// does not stop the report.
func (c *Client) LogActionResult(ctx context.Context, verificationID string, report ResultReport) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultLogTimeout)
	defer cancel()
	if err := c.SubmitResult(ctx, verificationID, report); err != nil {
		c.logger.Warn("action result not logged", "verification_id", verificationID, "success", report.Success, "error", err.Error())
	}
}

// SubmitResult is LogActionResult for callers that want the error.
func (c *Client) SubmitResult(ctx context.Context, verificationID string, report ResultReport) error {
	verificationID = strings.TrimSpace(verificationID)
	if verificationID == "" {
		return coreerrors.InvalidInput("verification_id_missing", "verification id is required")
	}
	body := verification.ResultReport{
		Success:   report.Success,
		Timestamp: verification.Timestamp(c.clock.Now()),
	}
	if summary := strings.TrimSpace(report.Summary); summary != "" {
		body.ResultSummary = &summary
	}
	if message := strings.TrimSpace(report.Error); message != "" {
		body.ErrorMessage = &message
	}
	path := verificationsPath + "/" + url.PathEscape(verificationID) + "/result"
	return c.transport.Do(ctx, http.MethodPost, path, body, nil, transport.Options{})
}

func encodeSignature(signature []byte) string {
	return base64.StdEncoding.EncodeToString(signature)
}

// journal appends the decision to the local JSONL journal when one is
// configured. Journal failures are logged only.
func (c *Client) journal(request verification.Request, verificationID string, start time.Time, outcomeErr error, result Result) {
	if c.journalPath == "" {
		return
	}
	now := c.clock.Now()
	record := verification.DecisionRecord{
		RecordedAt:     verification.Timestamp(now),
		AgentID:        request.AgentID,
		VerificationID: verificationID,
		ActionType:     request.ActionType,
		Resource:       request.Resource,
		Outcome:        outcomeOf(outcomeErr),
		WaitedMS:       max(now.Sub(start).Milliseconds(), 0),
	}
	if outcomeErr == nil {
		record.ApprovedBy = result.ApprovedBy
	} else if reason, ok := coreerrors.DenialReason(outcomeErr); ok {
		record.Reason = reason
	} else {
		record.Reason = outcomeErr.Error()
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		c.logger.Warn("decision journal encode failed", "error", err.Error())
		return
	}
	if err := fsx.AppendLineLocked(c.journalPath, encoded, 0o600); err != nil {
		c.logger.Warn("decision journal append failed", "path", c.journalPath, "error", err.Error())
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return verification.OutcomeApproved
	case errors.Is(err, coreerrors.ErrActionDenied):
		return verification.OutcomeDenied
	case errors.Is(err, coreerrors.ErrVerificationTimeout):
		return verification.OutcomeTimeout
	case errors.Is(err, coreerrors.ErrVerificationAbandoned):
		return verification.OutcomeAbandoned
	default:
		return verification.OutcomeError
	}
}
