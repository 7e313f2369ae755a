package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure. In-tree components return *Error
// values carrying one of these kinds; the orchestrator passes errors from
// the Retriever and the Classifier on as returned, so a collaborator that
// returns a plain error reaches the run's failure event unwrapped.
type ErrorKind string

const (
	// MalformedInput: input to the PII detector that is not valid UTF-8,
	// a synthesis call with no chunk groups, or a Local Backend request or
	// response that fails to encode or decode. Never audited. No length
	// cap is applied to queries.
	MalformedInput ErrorKind = "malformed_input"

	// CachePolicyViolation: caller asked to cache confidential content
	// (cache.Reject). Fatal to the call. Reject only returns the error;
	// it neither logs nor writes an audit record.
	CachePolicyViolation ErrorKind = "cache_policy_violation"

	// ConfidentialBackendUnavailable: LocalBackend unreachable while the
	// decision is confidential; the Local client also returns it for any
	// failed or non-2xx request. Fails the run; never falls back to
	// Cloud. The failure itself is not audited.
	ConfidentialBackendUnavailable ErrorKind = "confidential_backend_unavailable"

	// BackendTimeout: an LLM call failed. The Cloud client returns it for
	// every failed or empty completion and the Local client for limiter,
	// request-build and response-read failures, not only for timeouts.
	// No call is retried.
	BackendTimeout ErrorKind = "backend_timeout"

	// RetrievalUnavailable: the Retrieval Service failed; the reference
	// retriever also returns it for a cancelled context. Retrieval is not
	// retried: the first failure fails the run.
	RetrievalUnavailable ErrorKind = "retrieval_unavailable"

	// SynthesisDegraded: over half of the synthesis map-phase calls
	// failed.
	SynthesisDegraded ErrorKind = "synthesis_degraded"

	// Cancelled: the caller cancelled the run.
	Cancelled ErrorKind = "cancelled"

	// ClarifierInternal: the canonical translation of the original
	// implementation's uninitialised-variable clarifier branch. Distinct
	// from BackendTimeout so operators can tell the two apart. No code
	// path returns it: the clarifying stage proceeds to researching when
	// its rounds run out.
	ClarifierInternal ErrorKind = "clarifier_internal"
)

// Error is the error type every core component returns at a package
// boundary. It always carries a Kind and a correlation id so an operator
// can join a user-visible failure to logs and audit records; the
// underlying cause is wrapped, never discarded, but is logged rather than
// surfaced to the user.
type Error struct {
	Kind    ErrorKind
	RunID   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("%s [run=%s]: %s", e.Kind, e.RunID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError constructs an Error, wrapping cause (which may be nil).
func NewError(kind ErrorKind, runID, message string, cause error) *Error {
	return &Error{Kind: kind, RunID: runID, Message: message, Cause: cause}
}

// KindOf extracts the ErrorKind from err if it is (or wraps) a *Error,
// otherwise returns "" with ok=false.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
