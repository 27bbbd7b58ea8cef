package store

import (
	"errors"
	"time"

	"mnemo/internal/format"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrNotPending = errors.New("proposal is not pending")
)

type Operation string

const (
	OperationAppend  Operation = "append"
	OperationReplace Operation = "replace"
	OperationMerge   Operation = "merge"
)

func (o Operation) Valid() bool {
	switch o {
	case OperationAppend, OperationReplace, OperationMerge:
		return true
	}
	return false
}

type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusApplying   Status = "applying"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusSuperseded Status = "superseded"
	StatusExpired    Status = "expired"
)

// Terminal reports whether the status is final. An applying proposal has
// been claimed by an approval that has not finished yet.
func (s Status) Terminal() bool {
	return s != StatusPending && s != StatusApplying
}

// resolvableFrom reports whether a proposal in status from may move to s.
// Only an approval may finish a claimed proposal.
func (s Status) resolvableFrom(from Status) bool {
	if !s.Terminal() {
		return false
	}
	return from == StatusPending || (from == StatusApplying && s == StatusApproved)
}

// Proposal is an agent-authored change awaiting review. An empty FieldName
// targets the whole document.
type Proposal struct {
	ID              string
	SubjectID       string
	DocumentName    string
	FieldName       string
	Operation       Operation
	CurrentValue    format.Value
	ProposedValue   format.Value
	Reasoning       string
	Confidence      Confidence
	ActorID         string
	SourceQuery     string
	Status          Status
	CreatedAt       time.Time
	ResolvedAt      *time.Time
	ResolvedBy      string
	ResolutionNote  string
	ResultVersionID string
}

// Target identifies the review slot a proposal competes for.
func (p Proposal) Target() string {
	return p.SubjectID + "/" + p.DocumentName + "#" + p.FieldName
}

// Resolution moves a pending or claimed proposal to a terminal status.
type Resolution struct {
	Status          Status
	ResolvedBy      string
	Note            string
	ResultVersionID string
	ResolvedAt      time.Time
}
