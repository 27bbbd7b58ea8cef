package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type Memory struct {
	mu      sync.Mutex
	records map[string]Record
	calls   map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]Record),
		calls:   make(map[string]int),
	}
}

func (m *Memory) ListRecords(ctx context.Context, subjectID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["list"]++
	items := make([]Record, 0)
	for _, record := range m.records {
		if record.SubjectID == subjectID {
			items = append(items, record)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

func (m *Memory) CreateRecord(ctx context.Context, subjectID, key, value string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["create"]++
	record := Record{
		ID:        RecordID(subjectID, key),
		SubjectID: subjectID,
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	m.records[record.ID] = record
	return record, nil
}

func (m *Memory) UpdateRecord(ctx context.Context, recordID, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["update"]++
	record, ok := m.records[recordID]
	if !ok {
		return fmt.Errorf("record %s: %w", recordID, ErrNotFound)
	}
	record.Value = value
	record.UpdatedAt = time.Now().UTC()
	m.records[recordID] = record
	return nil
}

// Get returns the record stored for (subject, key).
func (m *Memory) Get(subjectID, key string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[RecordID(subjectID, key)]
	return record, ok
}

// Calls reports how many times op ("list", "create", "update") was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}
