package http_test

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/corpusd/internal/chunker"
	"github.com/fyrsmithlabs/corpusd/internal/clients"
	"github.com/fyrsmithlabs/corpusd/internal/composer"
	"github.com/fyrsmithlabs/corpusd/internal/generation"
	corpushttp "github.com/fyrsmithlabs/corpusd/internal/http"
	"github.com/fyrsmithlabs/corpusd/internal/registry"
	"github.com/fyrsmithlabs/corpusd/internal/retriever"
	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

const testVectorSize = 4

type fakeEmbedder struct{}

func vectorFor(text string) []float32 {
	vec := make([]float32, testVectorSize)
	for i := range vec {
		h := fnv.New32a()
		h.Write([]byte(text))
		h.Write([]byte{byte(i)})
		vec[i] = 0.01 + float32(h.Sum32()%1000)/1000
	}
	return vec
}

func (fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = vectorFor(text)
	}
	return vectors, nil
}

func (fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return vectorFor(text), nil
}

func (fakeEmbedder) Dimension() int { return testVectorSize }
func (fakeEmbedder) Close() error   { return nil }

type fakeGenerator struct {
	completion string
	err        error
}

func (f *fakeGenerator) Generate(context.Context, string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.completion, nil
}

type fixture struct {
	server *corpushttp.Server
	gen    *fakeGenerator
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithLogger(t, zap.NewNop())
}

func newFixtureWithLogger(t *testing.T, logger *zap.Logger) *fixture {
	t.Helper()

	dir := t.TempDir()

	db, err := registry.OpenDB(dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg, err := registry.New(db, zap.NewNop())
	require.NoError(t, err)

	store, err := clients.New(db, zap.NewNop())
	require.NoError(t, err)

	idx, err := vectorstore.NewChromemIndex(vectorstore.ChromemConfig{
		Path:       filepath.Join(dir, "index"),
		VectorSize: testVectorSize,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	ch, err := chunker.New(100, 20)
	require.NoError(t, err)

	rag := retriever.New(ch, fakeEmbedder{}, idx, reg, zap.NewNop())

	gen := &fakeGenerator{completion: "a composed answer"}
	ac := composer.New(gen, zap.NewNop())

	server, err := corpushttp.NewServer(rag, store, ac, logger, corpushttp.Config{})
	require.NoError(t, err)

	return &fixture{server: server, gen: gen}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echoContentType, "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func (f *fixture) createClient(t *testing.T, name, email string) string {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/api/v1/clients",
		fmt.Sprintf(`{"name":%q,"email":%q,"industry":"retail"}`, name, email))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp corpushttp.ClientResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.ClientID
}

func (f *fixture) ingest(t *testing.T, clientID, text string) string {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/api/v1/rag/ingest",
		fmt.Sprintf(`{"client_id":%q,"title":"doc","kind":"manual","text":%q}`, clientID, text))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp corpushttp.IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.SourceID
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "corpusd_")
}

func TestClientCRUD(t *testing.T) {
	f := newFixture(t)

	clientID := f.createClient(t, "Acme", "acme@example.com")

	rec := f.do(t, http.MethodGet, "/api/v1/clients/"+clientID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got corpushttp.ClientResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Acme", got.Name)

	rec = f.do(t, http.MethodPut, "/api/v1/clients/"+clientID,
		`{"name":"Acme Renamed","industry":"logistics"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/clients", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []corpushttp.ClientResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Acme Renamed", list[0].Name)

	rec = f.do(t, http.MethodPost, "/api/v1/clients",
		`{"name":"Other","email":"acme@example.com"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/clients/no-such-client", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateClient_EmailImmutable(t *testing.T) {
	f := newFixture(t)
	clientID := f.createClient(t, "Acme", "acme@example.com")

	rec := f.do(t, http.MethodPut, "/api/v1/clients/"+clientID,
		`{"name":"Acme","email":"new@example.com"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	// Restating the current address is accepted, case-insensitively.
	rec = f.do(t, http.MethodPut, "/api/v1/clients/"+clientID,
		`{"name":"Acme","email":"ACME@example.com"}`)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRequestLogCarriesRequestID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	f := newFixtureWithLogger(t, zap.New(core))

	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	requestID := rec.Header().Get(echo.HeaderXRequestID)
	require.NotEmpty(t, requestID)
	assert.Equal(t, requestID, fields["request.id"])
}

func TestIngest_UnknownClient(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/rag/ingest",
		`{"client_id":"ghost","title":"doc","text":"hello"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngest_InvalidKind(t *testing.T) {
	f := newFixture(t)
	clientID := f.createClient(t, "Acme", "acme@example.com")

	rec := f.do(t, http.MethodPost, "/api/v1/rag/ingest",
		fmt.Sprintf(`{"client_id":%q,"title":"doc","kind":"telepathy","text":"hello"}`, clientID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestAndQuery(t *testing.T) {
	f := newFixture(t)
	clientID := f.createClient(t, "Acme", "acme@example.com")

	text := "Our return policy allows refunds within thirty days."
	sourceID := f.ingest(t, clientID, text)

	rec := f.do(t, http.MethodPost, "/api/v1/rag/query",
		fmt.Sprintf(`{"client_id":%q,"question":%q,"k":5}`, clientID, text))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp corpushttp.QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, sourceID, resp.Matches[0].SourceID)
	assert.Equal(t, text, resp.Matches[0].Text)
	assert.Empty(t, resp.Answer)
}

func TestQuery_Composed(t *testing.T) {
	f := newFixture(t)
	clientID := f.createClient(t, "Acme", "acme@example.com")
	f.ingest(t, clientID, "Our return policy allows refunds within thirty days.")

	rec := f.do(t, http.MethodPost, "/api/v1/rag/query",
		fmt.Sprintf(`{"client_id":%q,"question":"what is the return policy?","k":5,"compose":true}`, clientID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp corpushttp.QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "a composed answer", resp.Answer)
	assert.False(t, resp.Degraded)
}

func TestQuery_ComposedDegradesWhenGeneratorDown(t *testing.T) {
	f := newFixture(t)
	clientID := f.createClient(t, "Acme", "acme@example.com")
	f.ingest(t, clientID, "Our return policy allows refunds within thirty days.")

	f.gen.err = fmt.Errorf("%w: quota exhausted", generation.ErrGenerationFailed)

	rec := f.do(t, http.MethodPost, "/api/v1/rag/query",
		fmt.Sprintf(`{"client_id":%q,"question":"return policy?","compose":true}`, clientID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp corpushttp.QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Degraded)
	assert.Equal(t, "generation unavailable", resp.Notice)
	assert.NotEmpty(t, resp.Matches)
}

func TestQuery_EmptyQuestion(t *testing.T) {
	f := newFixture(t)
	clientID := f.createClient(t, "Acme", "acme@example.com")

	rec := f.do(t, http.MethodPost, "/api/v1/rag/query",
		fmt.Sprintf(`{"client_id":%q,"question":"  "}`, clientID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSourceLifecycle(t *testing.T) {
	f := newFixture(t)
	clientID := f.createClient(t, "Acme", "acme@example.com")
	sourceID := f.ingest(t, clientID, strings.Repeat("a", 240))

	rec := f.do(t, http.MethodGet, "/api/v1/rag/sources?client_id="+clientID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sources []corpushttp.SourceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sources))
	require.Len(t, sources, 1)
	assert.Len(t, sources[0].FragmentIDs, 3)

	rec = f.do(t, http.MethodGet, "/api/v1/rag/status?client_id="+clientID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status corpushttp.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.Sources)
	assert.Equal(t, uint64(3), status.Fragments)

	rec = f.do(t, http.MethodPost, "/api/v1/rag/sources/"+sourceID+"/reindex",
		fmt.Sprintf(`{"text":%q}`, strings.Repeat("b", 160)))
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/rag/sources/"+sourceID+"/fragments", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var frags map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &frags))
	assert.Len(t, frags["fragment_ids"], 2)

	rec = f.do(t, http.MethodDelete, "/api/v1/rag/sources/"+sourceID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/rag/sources/"+sourceID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteClient_RemovesTenantData(t *testing.T) {
	f := newFixture(t)
	clientID := f.createClient(t, "Acme", "acme@example.com")
	f.ingest(t, clientID, "first document")
	f.ingest(t, clientID, "second document")

	rec := f.do(t, http.MethodDelete, "/api/v1/clients/"+clientID, "")
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/clients/"+clientID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteTenantData(t *testing.T) {
	f := newFixture(t)
	clientID := f.createClient(t, "Acme", "acme@example.com")
	f.ingest(t, clientID, "first document")
	f.ingest(t, clientID, "second document")

	rec := f.do(t, http.MethodDelete, "/api/v1/rag/tenants/"+clientID+"/data", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Deleted int               `json:"deleted"`
		Failed  map[string]string `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Deleted)
	assert.Empty(t, resp.Failed)

	rec = f.do(t, http.MethodGet, "/api/v1/rag/status?client_id="+clientID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status corpushttp.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Zero(t, status.Sources)
	assert.Zero(t, status.Fragments)
}
