package run

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors for propagation policy.
type ErrorKind string

const (
	// KindContract means the caller's view of scope, rules or draft is stale.
	KindContract ErrorKind = "contract"
	// KindTransient covers provider, store and unexpected failures.
	KindTransient ErrorKind = "transient"
	// KindRejected covers access, quota and entitlement refusals raised
	// before any run exists.
	KindRejected ErrorKind = "rejected"
	// KindRace means another party already handled the work.
	KindRace ErrorKind = "race"
)

// Code is the machine-readable error code stored on a run.
type Code string

const (
	CodeScopeInvalid   Code = "SCOPE_INVALID"
	CodeRulesChanged   Code = "RULES_CHANGED"
	CodeDraftNotFound  Code = "DRAFT_NOT_FOUND"
	CodeProviderFailed Code = "PROVIDER_FAILED"
	CodeStoreFailed    Code = "STORE_FAILED"
	CodeInternal       Code = "INTERNAL"
	CodeQuotaBlocked   Code = "QUOTA_BLOCKED"
	CodeForbidden      Code = "FORBIDDEN"
	CodeAlreadyHandled Code = "ALREADY_HANDLED"
)

// Error is a classified engine error with a structured payload.
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches a key/value to the error payload and returns e.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Contract returns a contract-violation error.
func Contract(code Code, msg string) *Error {
	return &Error{Kind: KindContract, Code: code, Message: msg}
}

// Transient wraps err as a retryable failure.
func Transient(code Code, msg string, err error) *Error {
	return &Error{Kind: KindTransient, Code: code, Message: msg, Err: err}
}

// Rejected returns a pre-run refusal.
func Rejected(code Code, msg string, err error) *Error {
	return &Error{Kind: KindRejected, Code: code, Message: msg, Err: err}
}

// Classify converts any error into an *Error. Unclassified errors become
// transient INTERNAL failures.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Transient(CodeInternal, "unexpected error", err)
}

// TerminalStatus maps an error kind to the run status it produces. A lost
// race means the work was done by someone else, so the run succeeds.
func TerminalStatus(kind ErrorKind) Status {
	switch kind {
	case KindContract:
		return StatusStale
	case KindRace:
		return StatusSucceeded
	}
	return StatusFailed
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
