package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// S3 stores every record as a JSON object at <prefix>/<subject>/<hash>.json.
// The record id is the object path below the prefix.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
	logger *slog.Logger
}

func NewS3(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("s3 sink: created bucket", "bucket", cfg.Bucket)
	}
	return &S3{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

func (s *S3) objectKey(recordID string) string {
	return path.Join(s.prefix, recordID+".json")
}

func s3RecordID(subjectID, key string) string {
	return subjectID + "/" + RecordID(subjectID, key)
}

func (s *S3) ListRecords(ctx context.Context, subjectID string) ([]Record, error) {
	listPrefix := path.Join(s.prefix, subjectID) + "/"
	items := make([]Record, 0)
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: listPrefix, Recursive: true}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list records: %w", object.Err)
		}
		if !strings.HasSuffix(object.Key, ".json") {
			continue
		}
		record, err := s.readObject(ctx, object.Key)
		if err != nil {
			return nil, err
		}
		items = append(items, record)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

func (s *S3) CreateRecord(ctx context.Context, subjectID, key, value string) (Record, error) {
	record := Record{
		ID:        s3RecordID(subjectID, key),
		SubjectID: subjectID,
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.writeObject(ctx, record); err != nil {
		return Record{}, err
	}
	return record, nil
}

func (s *S3) UpdateRecord(ctx context.Context, recordID, value string) error {
	objectKey := s.objectKey(recordID)
	if _, err := s.client.StatObject(ctx, s.bucket, objectKey, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return fmt.Errorf("record %s: %w", recordID, ErrNotFound)
		}
		return fmt.Errorf("stat record %s: %w", recordID, err)
	}
	record, err := s.readObject(ctx, objectKey)
	if err != nil {
		return err
	}
	record.Value = value
	record.UpdatedAt = time.Now().UTC()
	return s.writeObject(ctx, record)
}

func (s *S3) readObject(ctx context.Context, objectKey string) (Record, error) {
	object, err := s.client.GetObject(ctx, s.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return Record{}, fmt.Errorf("get record object %s: %w", objectKey, err)
	}
	defer object.Close()
	payload, err := io.ReadAll(object)
	if err != nil {
		return Record{}, fmt.Errorf("read record object %s: %w", objectKey, err)
	}
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return Record{}, fmt.Errorf("decode record object %s: %w", objectKey, err)
	}
	return record, nil
}

func (s *S3) writeObject(ctx context.Context, record Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.objectKey(record.ID), bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("put record %s: %w", record.ID, err)
	}
	s.logger.Debug("s3 sink: wrote record", "record_id", record.ID, "bytes", len(payload))
	return nil
}
