package main

import (
	"errors"
	"fmt"

	coreerrors "github.com/davidahmann/agentgate/core/errors"
	"github.com/davidahmann/agentgate/core/token"
)

type errorOutput struct {
	OK             bool   `json:"ok"`
	Error          string `json:"error"`
	ErrorCode      string `json:"error_code,omitempty"`
	ErrorCategory  string `json:"error_category,omitempty"`
	Retryable      bool   `json:"retryable"`
	Hint           string `json:"hint,omitempty"`
	DenialReason   string `json:"denial_reason,omitempty"`
	VerificationID string `json:"verification_id,omitempty"`
}

func (c *cli) writeError(jsonOutput bool, err error) int {
	exitCode := exitCodeForError(err)
	output := errorOutput{
		Error:         err.Error(),
		ErrorCode:     coreerrors.CodeOf(err),
		ErrorCategory: string(coreerrors.CategoryOf(err)),
		Retryable:     coreerrors.RetryableOf(err),
		Hint:          coreerrors.HintOf(err),
	}
	var denied *coreerrors.DeniedError
	if errors.As(err, &denied) {
		output.DenialReason = denied.Reason
		output.VerificationID = denied.VerificationID
	}
	if output.ErrorCategory == "" && errors.Is(err, token.ErrTokenUnavailable) {
		output.ErrorCode = "token_unavailable"
		output.ErrorCategory = string(coreerrors.CategoryAuthentication)
		output.Hint = "enroll or refresh agent credentials"
	}
	return c.writeOutput(jsonOutput, output, func() {
		fmt.Fprintln(c.stderr, "error:", output.Error)
		if output.Hint != "" {
			fmt.Fprintln(c.stderr, "hint:", output.Hint)
		}
	}, exitCode)
}

func exitCodeForError(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, coreerrors.ErrActionDenied):
		return exitDenied
	case errors.Is(err, coreerrors.ErrAuthentication), errors.Is(err, token.ErrTokenUnavailable):
		return exitAuthFailed
	case errors.Is(err, coreerrors.ErrVerification):
		return exitVerifyFailed
	case errors.Is(err, coreerrors.ErrConfiguration):
		return exitInvalidInput
	}
	if coreerrors.CategoryOf(err) == coreerrors.CategoryInvalidInput {
		return exitInvalidInput
	}
	return exitInternalFailure
}
