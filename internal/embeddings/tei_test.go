package embeddings_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
)

// newTEIServer returns a test server speaking the TEI embed protocol,
// echoing one fixed-size vector per input.
func newTEIServer(t *testing.T, dim int) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/embed", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req struct {
			Inputs   []string `json:"inputs"`
			Truncate bool     `json:"truncate"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Truncate)

		vectors := make([][]float32, len(req.Inputs))
		for i := range req.Inputs {
			vec := make([]float32, dim)
			vec[0] = float32(i + 1)
			vectors[i] = vec
		}
		require.NoError(t, json.NewEncoder(w).Encode(vectors))
	}))
}

func TestTEIProvider_EmbedDocuments(t *testing.T) {
	srv := newTEIServer(t, 4)
	defer srv.Close()

	provider, err := embeddings.NewTEIProvider(embeddings.TEIConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	defer provider.Close()

	vectors, err := provider.EmbedDocuments(context.Background(), []string{"first text", "second text"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Len(t, vectors[0], 4)
	assert.Equal(t, float32(1), vectors[0][0])
	assert.Equal(t, float32(2), vectors[1][0])
}

func TestTEIProvider_EmbedQuery(t *testing.T) {
	srv := newTEIServer(t, 4)
	defer srv.Close()

	provider, err := embeddings.NewTEIProvider(embeddings.TEIConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	defer provider.Close()

	vector, err := provider.EmbedQuery(context.Background(), "what is a vector index")
	require.NoError(t, err)
	assert.Len(t, vector, 4)
}

func TestTEIProvider_EmptyInput(t *testing.T) {
	srv := newTEIServer(t, 4)
	defer srv.Close()

	provider, err := embeddings.NewTEIProvider(embeddings.TEIConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	defer provider.Close()

	_, err = provider.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, embeddings.ErrEmptyInput)

	_, err = provider.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, embeddings.ErrEmptyInput)
}

func TestTEIProvider_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	provider, err := embeddings.NewTEIProvider(embeddings.TEIConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	defer provider.Close()

	_, err = provider.EmbedDocuments(context.Background(), []string{"text"})
	assert.ErrorIs(t, err, embeddings.ErrEmbeddingUnavailable)
	assert.Contains(t, err.Error(), "503")
}

func TestTEIProvider_Unreachable(t *testing.T) {
	// Port from a closed listener, so the connection is refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	provider, err := embeddings.NewTEIProvider(embeddings.TEIConfig{BaseURL: url})
	require.NoError(t, err)
	defer provider.Close()

	_, err = provider.EmbedQuery(context.Background(), "text")
	assert.ErrorIs(t, err, embeddings.ErrEmbeddingUnavailable)
}

func TestTEIProvider_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode([][]float32{{1, 2}}))
	}))
	defer srv.Close()

	provider, err := embeddings.NewTEIProvider(embeddings.TEIConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	defer provider.Close()

	_, err = provider.EmbedDocuments(context.Background(), []string{"one", "two"})
	assert.ErrorIs(t, err, embeddings.ErrEmbeddingUnavailable)
}

func TestNewTEIProvider_RequiresBaseURL(t *testing.T) {
	_, err := embeddings.NewTEIProvider(embeddings.TEIConfig{})
	assert.ErrorIs(t, err, embeddings.ErrInvalidConfig)
}

func TestTEIProvider_Dimension(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"BAAI/bge-small-en-v1.5", 384},
		{"BAAI/bge-base-en-v1.5", 768},
		{"", 384},
		{"some-custom-base-model", 768},
		{"some-custom-large-model", 1024},
		{"completely-unknown", 384},
	}

	for _, tt := range tests {
		provider, err := embeddings.NewTEIProvider(embeddings.TEIConfig{
			BaseURL: "http://localhost:8081",
			Model:   tt.model,
		})
		require.NoError(t, err)
		assert.Equal(t, tt.want, provider.Dimension(), "model %q", tt.model)
	}
}
