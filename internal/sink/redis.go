package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores each record as a JSON string and indexes record ids in one
// set per subject.
type Redis struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedis(redisURL string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, logger), nil
}

func NewRedisWithClient(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, prefix: "mnemo:", logger: logger}
}

func (s *Redis) recordKey(recordID string) string {
	return s.prefix + "record:" + recordID
}

func (s *Redis) subjectKey(subjectID string) string {
	return s.prefix + "subject:" + subjectID + ":records"
}

func (s *Redis) ListRecords(ctx context.Context, subjectID string) ([]Record, error) {
	ids, err := s.client.SMembers(ctx, s.subjectKey(subjectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list record ids: %w", err)
	}
	if len(ids) == 0 {
		return []Record{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	items := make([]Record, 0, len(values))
	for i, raw := range values {
		text, ok := raw.(string)
		if !ok {
			s.logger.Warn("redis sink: dangling record id", "subject", subjectID, "record_id", ids[i])
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(text), &record); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", ids[i], err)
		}
		items = append(items, record)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

func (s *Redis) CreateRecord(ctx context.Context, subjectID, key, value string) (Record, error) {
	record := Record{
		ID:        RecordID(subjectID, key),
		SubjectID: subjectID,
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return Record{}, fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(record.ID), payload, 0)
		pipe.SAdd(ctx, s.subjectKey(subjectID), record.ID)
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("create record: %w", err)
	}
	return record, nil
}

func (s *Redis) UpdateRecord(ctx context.Context, recordID, value string) error {
	key := s.recordKey(recordID)
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("record %s: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return fmt.Errorf("decode record %s: %w", recordID, err)
	}
	record.Value = value
	record.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, 0).Err(); err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	return nil
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Redis) Close() error {
	return s.client.Close()
}
