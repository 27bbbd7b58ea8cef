package app

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
)

// DomainError is returned to trigger sources. Kind is ErrNotFound,
// ErrValidation or ErrConflict so callers can branch with errors.Is.
type DomainError struct {
	Kind    error
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Kind
}

func notFound(code, message string, details any) *DomainError {
	return &DomainError{Kind: ErrNotFound, Code: code, Message: message, Details: details}
}

func validationError(code, message string, details any) *DomainError {
	return &DomainError{Kind: ErrValidation, Code: code, Message: message, Details: details}
}

func conflictError(code, message string, details any) *DomainError {
	return &DomainError{Kind: ErrConflict, Code: code, Message: message, Details: details}
}

type WarningKind string

const (
	WarningConflict     WarningKind = "conflict"
	WarningSyncDegraded WarningKind = "sync_degraded"
)

const (
	CodeStaleBase          = "STALE_BASE"
	CodeLossyParse         = "LOSSY_PARSE"
	CodeMergeFallback      = "MERGE_FALLBACK"
	CodeSyncDegraded       = "SYNC_DEGRADED"
	CodeProposalNotPending = "PROPOSAL_NOT_PENDING"
	CodeApprovalIncomplete = "APPROVAL_INCOMPLETE"
)

// Warning is a non-fatal outcome attached to an otherwise successful result.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
}

func conflict(code, field, message string) Warning {
	return Warning{Kind: WarningConflict, Code: code, Field: field, Message: message}
}
