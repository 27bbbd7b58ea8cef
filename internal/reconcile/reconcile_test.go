package reconcile

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionServer(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-model", body.Model)
		require.Len(t, body.Messages, 2)
		assert.Contains(t, body.Messages[1].Content, "EXISTING:\nlikes algebra")

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		})
	}))
}

func TestOpenAIReconcile(t *testing.T) {
	server := completionServer(t, "  likes algebra\nplays chess\n", http.StatusOK)
	defer server.Close()

	r := NewOpenAI("sk-test", "test-model", server.URL+"/v1")
	merged, err := r.Reconcile(t.Context(), "likes algebra", "plays chess")
	require.NoError(t, err)
	assert.Equal(t, "likes algebra\nplays chess", merged)
}

func TestOpenAIBlankCompletionIsUnavailable(t *testing.T) {
	server := completionServer(t, "   ", http.StatusOK)
	defer server.Close()

	r := NewOpenAI("sk-test", "test-model", server.URL+"/v1")
	_, err := r.Reconcile(t.Context(), "likes algebra", "plays chess")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestOpenAIServerErrorIsUnavailable(t *testing.T) {
	server := completionServer(t, "", http.StatusInternalServerError)
	defer server.Close()

	r := NewOpenAI("sk-test", "test-model", server.URL+"/v1")
	_, err := r.Reconcile(t.Context(), "likes algebra", "plays chess")
	require.ErrorIs(t, err, ErrUnavailable)
}
