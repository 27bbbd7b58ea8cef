package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const DefaultMeiliIndex = "memory_records"

// Meili keeps records in a Meilisearch index filtered by subjectId. Writes
// are asynchronous tasks on the Meilisearch side, so ids are derived from
// (subject, key) and a repeated create replaces the same document.
type Meili struct {
	client  meili.ServiceManager
	index   string
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

func NewMeili(url, apiKey, index string, logger *slog.Logger) *Meili {
	if index == "" {
		index = DefaultMeiliIndex
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		index:  index,
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		logger.Warn("meili sink: unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: m.index, PrimaryKey: "id"}); err != nil {
		m.logger.Debug("meili sink: create index (may already exist)", "index", m.index, "error", err)
	}
	filterable := []interface{}{"subjectId", "key"}
	if _, err := m.client.Index(m.index).UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("meili sink: update filterable attributes", "index", m.index, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meili sink: recovered, reconfiguring index", "index", m.index)
				m.configureIndex()
			}
		}
	}
}

func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) ListRecords(ctx context.Context, subjectID string) ([]Record, error) {
	if err := m.ready(ctx); err != nil {
		return nil, err
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID: m.index,
			Limit:    1000,
			Filter:   fmt.Sprintf("subjectId = %q", subjectID),
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meili list records: %w", err)
	}

	items := make([]Record, 0)
	for _, result := range resp.Results {
		for _, hit := range result.Hits {
			record, err := hitToRecord(hit)
			if err != nil {
				return nil, err
			}
			if record.SubjectID == subjectID {
				items = append(items, record)
			}
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

func (m *Meili) CreateRecord(ctx context.Context, subjectID, key, value string) (Record, error) {
	if err := m.ready(ctx); err != nil {
		return Record{}, err
	}
	record := Record{
		ID:        RecordID(subjectID, key),
		SubjectID: subjectID,
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	if _, err := m.client.Index(m.index).AddDocuments([]Record{record}, nil); err != nil {
		return Record{}, fmt.Errorf("meili create record: %w", err)
	}
	return record, nil
}

type meiliValueUpdate struct {
	ID        string    `json:"id"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UpdateRecord sends a partial document, leaving subjectId and key intact.
func (m *Meili) UpdateRecord(ctx context.Context, recordID, value string) error {
	if err := m.ready(ctx); err != nil {
		return err
	}
	update := meiliValueUpdate{ID: recordID, Value: value, UpdatedAt: time.Now().UTC()}
	if _, err := m.client.Index(m.index).UpdateDocuments([]meiliValueUpdate{update}, nil); err != nil {
		return fmt.Errorf("meili update record: %w", err)
	}
	return nil
}

func (m *Meili) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.healthy.Load() {
		return errors.New("meilisearch unhealthy")
	}
	return nil
}

func hitToRecord(hit meili.Hit) (Record, error) {
	var record Record
	for field, target := range map[string]*string{
		"id":        &record.ID,
		"subjectId": &record.SubjectID,
		"key":       &record.Key,
		"value":     &record.Value,
	} {
		raw, ok := hit[field]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return Record{}, fmt.Errorf("decode meili hit field %s: %w", field, err)
		}
	}
	if raw, ok := hit["updatedAt"]; ok {
		_ = json.Unmarshal(raw, &record.UpdatedAt)
	}
	return record, nil
}
