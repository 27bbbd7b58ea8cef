package sink

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 answers the path-style S3 calls the sink makes through minio-go.
type fakeS3 struct {
	mu       sync.Mutex
	buckets  map[string]map[string][]byte
	modified time.Time
	made     int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		buckets:  make(map[string]map[string][]byte),
		modified: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

type listEntry struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int    `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

type listResult struct {
	XMLName     xml.Name    `xml:"ListBucketResult"`
	Xmlns       string      `xml:"xmlns,attr"`
	Name        string      `xml:"Name"`
	Prefix      string      `xml:"Prefix"`
	KeyCount    int         `xml:"KeyCount"`
	MaxKeys     int         `xml:"MaxKeys"`
	IsTruncated bool        `xml:"IsTruncated"`
	Contents    []listEntry `xml:"Contents"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	query := r.URL.Query()
	objects, exists := f.buckets[bucket]

	switch {
	case key == "" && query.Has("location"):
		writeXML(w, http.StatusOK, `<LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/"></LocationConstraint>`)
	case key == "" && r.Method == http.MethodHead:
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case key == "" && r.Method == http.MethodPut:
		f.buckets[bucket] = make(map[string][]byte)
		f.made++
		w.WriteHeader(http.StatusOK)
	case key == "" && r.Method == http.MethodGet:
		if !exists {
			writeS3Error(w, http.StatusNotFound, "NoSuchBucket")
			return
		}
		f.list(w, bucket, objects, query)
	case !exists:
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket")
	case r.Method == http.MethodPut:
		body, err := readPayload(r)
		if err != nil {
			writeS3Error(w, http.StatusBadRequest, "IncompleteBody")
			return
		}
		objects[key] = body
		w.Header().Set("ETag", etag(body))
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead || r.Method == http.MethodGet:
		body, ok := objects[key]
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeS3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("ETag", etag(body))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("Last-Modified", f.modified.Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	default:
		writeS3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

func (f *fakeS3) list(w http.ResponseWriter, bucket string, objects map[string][]byte, query url.Values) {
	prefix := query.Get("prefix")
	keys := make([]string, 0, len(objects))
	for key := range objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	result := listResult{
		Xmlns:    "http://s3.amazonaws.com/doc/2006-03-01/",
		Name:     bucket,
		Prefix:   prefix,
		KeyCount: len(keys),
		MaxKeys:  1000,
	}
	for _, key := range keys {
		result.Contents = append(result.Contents, listEntry{
			Key:          key,
			LastModified: f.modified.Format(time.RFC3339),
			ETag:         etag(objects[key]),
			Size:         len(objects[key]),
			StorageClass: "STANDARD",
		})
	}
	payload, _ := xml.Marshal(result)
	writeXML(w, http.StatusOK, string(payload))
}

func (f *fakeS3) bucketsMade() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.made
}

func (f *fakeS3) keys(bucket string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0)
	for key := range f.buckets[bucket] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// readPayload strips aws-chunked framing, which minio-go uses for
// signed uploads over plain HTTP.
func readPayload(r *http.Request) ([]byte, error) {
	if !strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		return io.ReadAll(r.Body)
	}
	reader := bufio.NewReader(r.Body)
	var body bytes.Buffer
	for {
		header, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(header), ";")
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("chunk size %q: %w", sizeHex, err)
		}
		if size == 0 {
			return body.Bytes(), nil
		}
		if _, err := io.CopyN(&body, reader, size); err != nil {
			return nil, err
		}
		if _, err := reader.Discard(2); err != nil {
			return nil, err
		}
	}
}

func etag(body []byte) string {
	sum := md5.Sum(body)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func writeXML(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>`+payload)
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	writeXML(w, status, fmt.Sprintf(`<Error><Code>%s</Code><Message>%s</Message></Error>`, code, code))
}

func newTestS3(t *testing.T, fake *fakeS3) *S3 {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	s, err := NewS3(context.Background(), S3Config{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		AccessKey: "mnemo",
		SecretKey: "mnemo-secret",
		Bucket:    "mnemo",
		Prefix:    "/records/",
	}, nil)
	require.NoError(t, err)
	return s
}

func TestS3Contract(t *testing.T) {
	fake := newFakeS3()
	s := newTestS3(t, fake)

	runSinkContract(t, s)
	require.ErrorIs(t, s.UpdateRecord(context.Background(), "subj-1/missing", "x"), ErrNotFound)

	keys := fake.keys("mnemo")
	require.Len(t, keys, 3)
	for _, key := range keys {
		assert.True(t, strings.HasPrefix(key, "records/"), key)
		assert.True(t, strings.HasSuffix(key, ".json"), key)
	}
	assert.Contains(t, keys, "records/subj-1/"+RecordID("subj-1", "student")+".json")
}

func TestS3CreatesBucketOnce(t *testing.T) {
	fake := newFakeS3()
	server := httptest.NewServer(fake)
	defer server.Close()
	cfg := S3Config{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		AccessKey: "mnemo",
		SecretKey: "mnemo-secret",
		Bucket:    "mnemo",
	}

	_, err := NewS3(context.Background(), cfg, nil)
	require.NoError(t, err)
	_, err = NewS3(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.bucketsMade())
}

func TestS3ListIgnoresForeignObjects(t *testing.T) {
	fake := newFakeS3()
	s := newTestS3(t, fake)
	ctx := context.Background()

	_, err := s.CreateRecord(ctx, "subj-1", "student", "Facts: likes algebra")
	require.NoError(t, err)
	fake.mu.Lock()
	fake.buckets["mnemo"]["records/subj-1/notes.txt"] = []byte("not a record")
	fake.mu.Unlock()

	records, err := s.ListRecords(ctx, "subj-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Facts: likes algebra", records[0].Value)
}
