// Package sink holds adapters for the external memory store that receives
// flattened projections of documents.
package sink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

// Record is one flattened document held by the external store.
type Record struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subjectId"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Sink is the three-call contract the projector depends on. Record IDs are
// opaque to callers.
type Sink interface {
	ListRecords(ctx context.Context, subjectID string) ([]Record, error)
	CreateRecord(ctx context.Context, subjectID, key, value string) (Record, error)
	UpdateRecord(ctx context.Context, recordID, value string) error
}

// RecordID derives a stable id from subject and key, so creating the same
// record twice lands on the same id.
func RecordID(subjectID, key string) string {
	sum := sha256.Sum256([]byte(subjectID + "\x00" + key))
	return hex.EncodeToString(sum[:16])
}
