package errors

import (
	"errors"
	"fmt"
	"strings"
)

type Category string

const (
	CategoryConfiguration         Category = "configuration"
	CategoryInvalidInput          Category = "invalid_input"
	CategoryAuthentication        Category = "authentication_failed"
	CategoryActionDenied          Category = "action_denied"
	CategoryVerification          Category = "verification_failed"
	CategoryVerificationTimeout   Category = "verification_timeout"
	CategoryVerificationAbandoned Category = "verification_abandoned"
	CategoryIOFailure             Category = "io_failure"
	CategoryStateContention       Category = "state_contention"
	CategoryInternalFailure       Category = "internal_failure"
)

// Sentinels for errors.Is. Timeout and abandonment also match
// ErrVerification; a denial matches only ErrActionDenied.
var (
	ErrConfiguration         = errors.New("configuration error")
	ErrAuthentication        = errors.New("authentication failed")
	ErrActionDenied          = errors.New("action denied")
	ErrVerification          = errors.New("verification failed")
	ErrVerificationTimeout   = errors.New("verification timed out")
	ErrVerificationAbandoned = errors.New("verification abandoned")
)

type classifiedError struct {
	category  Category
	code      string
	hint      string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func (e *classifiedError) Is(target error) bool {
	switch target {
	case ErrConfiguration:
		return e.category == CategoryConfiguration
	case ErrAuthentication:
		return e.category == CategoryAuthentication
	case ErrActionDenied:
		return e.category == CategoryActionDenied
	case ErrVerification:
		return e.category == CategoryVerification ||
			e.category == CategoryVerificationTimeout ||
			e.category == CategoryVerificationAbandoned
	case ErrVerificationTimeout:
		return e.category == CategoryVerificationTimeout
	case ErrVerificationAbandoned:
		return e.category == CategoryVerificationAbandoned
	}
	return false
}

func (e *classifiedError) Category() Category {
	return e.category
}

func (e *classifiedError) Code() string {
	return e.code
}

func (e *classifiedError) Hint() string {
	return e.hint
}

func (e *classifiedError) Retryable() bool {
	return e.retryable
}

func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		hint:      hint,
		retryable: retryable,
		cause:     cause,
	}
}

// DeniedError carries the backend's reason for an explicit denial.
type DeniedError struct {
	VerificationID string
	Reason         string
}

func (e *DeniedError) Error() string {
	if e == nil {
		return ""
	}
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = DefaultDenialReason
	}
	return "action denied: " + reason
}

const DefaultDenialReason = "action denied by policy"

func Configuration(code, format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), CategoryConfiguration, code, "check the local agent identity and gateway configuration", false)
}

func InvalidInput(code, format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), CategoryInvalidInput, code, "fix the request arguments", false)
}

func Authentication(cause error, code string) error {
	return Wrap(cause, CategoryAuthentication, code, "refresh or re-issue agent credentials", false)
}

func Denied(verificationID, reason string) error {
	return Wrap(&DeniedError{VerificationID: verificationID, Reason: reason}, CategoryActionDenied, "action_denied", "do not retry; the action was rejected", false)
}

func Verification(cause error, code string, retryable bool) error {
	return Wrap(cause, CategoryVerification, code, "retry the verification later", retryable)
}

func Timeout(cause error) error {
	return Wrap(cause, CategoryVerificationTimeout, "verification_timeout", "no decision was reached in time; the action may be retried", true)
}

func Abandoned(cause error) error {
	return Wrap(cause, CategoryVerificationAbandoned, "verification_abandoned", "the wait was cancelled; outcome unknown", true)
}

func IO(cause error, code string) error {
	return Wrap(cause, CategoryIOFailure, code, "check file permissions and free space", true)
}

// DenialReason returns the backend reason when err is a denial.
func DenialReason(err error) (string, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied.Reason, true
	}
	return "", false
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.hint
	}
	return ""
}

func RetryableOf(err error) bool {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.retryable
	}
	return false
}
