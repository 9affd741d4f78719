package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	coreerrors "github.com/davidahmann/agentgate/core/errors"
	"github.com/davidahmann/agentgate/core/verify"
)

type verifyActionOutput struct {
	OK             bool      `json:"ok"`
	VerificationID string    `json:"verification_id"`
	ApprovedBy     string    `json:"approved_by,omitempty"`
	ExpiresAt      time.Time `json:"expires_at,omitzero"`
	Polls          int       `json:"polls"`
	WaitedMS       int64     `json:"waited_ms"`
}

type verifyStatusOutput struct {
	OK             bool   `json:"ok"`
	VerificationID string `json:"verification_id"`
	Status         string `json:"status"`
	ApprovedBy     string `json:"approved_by,omitempty"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	DenialReason   string `json:"denial_reason,omitempty"`
}

type verifyResultOutput struct {
	OK             bool   `json:"ok"`
	VerificationID string `json:"verification_id"`
	Success        bool   `json:"success"`
}

func (c *cli) runVerify(arguments []string) int {
	if len(arguments) == 0 || subcommandHelp(arguments) {
		fmt.Fprintln(c.stdout, "Usage: agentgate verify action|status|result [flags]")
		if len(arguments) == 0 {
			return exitInvalidInput
		}
		return exitOK
	}
	switch arguments[0] {
	case "action":
		return c.runVerifyAction(arguments[1:])
	case "status":
		return c.runVerifyStatus(arguments[1:])
	case "result":
		return c.runVerifyResult(arguments[1:])
	default:
		fmt.Fprintf(c.stderr, "unknown verify command %q\n", arguments[0])
		return exitInvalidInput
	}
}

func (c *cli) runVerifyAction(arguments []string) int {
	var common commonFlags
	var actionType, resource, contextJSON string
	var timeout time.Duration
	flags := newFlagSet("verify action", &common)
	flags.StringVar(&actionType, "type", "", "action type, for example read_database")
	flags.StringVar(&resource, "resource", "", "resource the action touches")
	flags.StringVar(&contextJSON, "context", "", "JSON object with additional context")
	flags.DurationVar(&timeout, "timeout", 0, "how long to wait for a decision")
	if code, done := c.parseFlags(flags, &common, arguments, "agentgate verify action --type <action> [--resource <r>] [--context <json>] [--timeout <d>] [--json]"); done {
		return code
	}

	request := verify.ActionRequest{
		ActionType: strings.TrimSpace(actionType),
		Resource:   strings.TrimSpace(resource),
		Timeout:    timeout,
	}
	if request.ActionType == "" {
		return c.writeError(common.jsonOutput, coreerrors.InvalidInput("action_type_missing", "--type is required"))
	}
	if timeout < 0 {
		return c.writeError(common.jsonOutput, coreerrors.InvalidInput("timeout_invalid", "--timeout must not be negative"))
	}
	if strings.TrimSpace(contextJSON) != "" {
		if err := json.Unmarshal([]byte(contextJSON), &request.Context); err != nil {
			return c.writeError(common.jsonOutput, coreerrors.InvalidInput("context_invalid", "--context must be a JSON object: %v", err))
		}
	}

	g, err := c.openGateway(common, nil)
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	defer func() { _ = g.Close() }()
	verifier, err := g.Verifier()
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	result, err := verifier.VerifyAction(c.ctx, request)
	if err != nil {
		var denied *coreerrors.DeniedError
		if !common.jsonOutput && errors.As(err, &denied) {
			fmt.Fprintf(c.stdout, "denied: %s\n", denied.Reason)
			return exitDenied
		}
		return c.writeError(common.jsonOutput, err)
	}
	output := verifyActionOutput{
		OK:             true,
		VerificationID: result.VerificationID,
		ApprovedBy:     result.ApprovedBy,
		ExpiresAt:      result.ExpiresAt,
		Polls:          result.Polls,
		WaitedMS:       result.Waited.Milliseconds(),
	}
	return c.writeOutput(common.jsonOutput, output, func() {
		fmt.Fprintf(c.stdout, "approved: %s\n", output.VerificationID)
		if output.ApprovedBy != "" {
			fmt.Fprintf(c.stdout, "approved_by: %s\n", output.ApprovedBy)
		}
		if !output.ExpiresAt.IsZero() {
			fmt.Fprintf(c.stdout, "expires_at: %s\n", output.ExpiresAt.Format(time.RFC3339))
		}
	}, exitOK)
}

func (c *cli) runVerifyStatus(arguments []string) int {
	var common commonFlags
	flags := newFlagSet("verify status", &common)
	if code, done := c.parseFlags(flags, &common, arguments, "agentgate verify status <verification-id> [--json]"); done {
		return code
	}
	id, err := singleID(flags.Args())
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}

	g, err := c.openGateway(common, nil)
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	defer func() { _ = g.Close() }()
	verifier, err := g.Verifier()
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	response, err := verifier.Status(c.ctx, id)
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	output := verifyStatusOutput{
		OK:             true,
		VerificationID: id,
		Status:         response.Status,
		ApprovedBy:     response.ApprovedBy,
		ExpiresAt:      response.ExpiresAt,
		DenialReason:   response.DenialReason,
	}
	return c.writeOutput(common.jsonOutput, output, func() {
		fmt.Fprintf(c.stdout, "%s: %s\n", id, output.Status)
		if output.DenialReason != "" {
			fmt.Fprintf(c.stdout, "denial_reason: %s\n", output.DenialReason)
		}
	}, exitOK)
}

func (c *cli) runVerifyResult(arguments []string) int {
	var common commonFlags
	var failed bool
	var summary, message string
	flags := newFlagSet("verify result", &common)
	flags.BoolVar(&failed, "failed", false, "report the action as failed")
	flags.StringVar(&summary, "summary", "", "result summary")
	flags.StringVar(&message, "error", "", "error message for a failed action")
	if code, done := c.parseFlags(flags, &common, arguments, "agentgate verify result <verification-id> [--failed] [--summary <s>] [--error <e>] [--json]"); done {
		return code
	}
	id, err := singleID(flags.Args())
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	if !failed && message != "" {
		return c.writeError(common.jsonOutput, coreerrors.InvalidInput("result_error_without_failure", "--error requires --failed"))
	}

	g, err := c.openGateway(common, nil)
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	defer func() { _ = g.Close() }()
	verifier, err := g.Verifier()
	if err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	report := verify.ResultReport{Success: !failed, Summary: summary, Error: message}
	if err := verifier.SubmitResult(c.ctx, id, report); err != nil {
		return c.writeError(common.jsonOutput, err)
	}
	output := verifyResultOutput{OK: true, VerificationID: id, Success: report.Success}
	return c.writeOutput(common.jsonOutput, output, func() {
		fmt.Fprintf(c.stdout, "result logged: %s\n", id)
	}, exitOK)
}

func singleID(args []string) (string, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", coreerrors.InvalidInput("verification_id_missing", "expected exactly one verification id")
	}
	return strings.TrimSpace(args[0]), nil
}
