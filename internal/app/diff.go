package app

import (
	"context"

	"mnemo/internal/format"
)

type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
	ChangeUpdated ChangeKind = "updated"
)

// FieldChange is one field that differs between two versions.
type FieldChange struct {
	Field  string        `json:"field"`
	Change ChangeKind    `json:"change"`
	Before *format.Value `json:"before,omitempty"`
	After  *format.Value `json:"after,omitempty"`
}

// Diff compares two versions field by field. Fields appear in the order of
// the newer version, followed by the fields it removed.
func (s *Service) Diff(_ context.Context, subjectID, name, oldVersionID, newVersionID string) ([]FieldChange, error) {
	if err := s.requireDocument(subjectID, name); err != nil {
		return nil, err
	}
	before, after, err := s.docs.Diff(subjectID, name, oldVersionID, newVersionID)
	if err != nil {
		return nil, mapVersionError(err, subjectID, name, oldVersionID+".."+newVersionID)
	}
	oldDoc, err := decode(before, subjectID, name)
	if err != nil {
		return nil, err
	}
	newDoc, err := decode(after, subjectID, name)
	if err != nil {
		return nil, err
	}
	return diffDocuments(oldDoc, newDoc), nil
}

func diffDocuments(oldDoc, newDoc format.Document) []FieldChange {
	changes := make([]FieldChange, 0)
	for _, field := range newDoc.Fields {
		after := field.Value
		previous, ok := oldDoc.Get(field.Name)
		switch {
		case !ok:
			changes = append(changes, FieldChange{Field: field.Name, Change: ChangeAdded, After: &after})
		case !previous.Equal(after):
			changes = append(changes, FieldChange{Field: field.Name, Change: ChangeUpdated, Before: &previous, After: &after})
		}
	}
	for _, field := range oldDoc.Fields {
		if _, ok := newDoc.Get(field.Name); ok {
			continue
		}
		before := field.Value
		changes = append(changes, FieldChange{Field: field.Name, Change: ChangeRemoved, Before: &before})
	}
	return changes
}
