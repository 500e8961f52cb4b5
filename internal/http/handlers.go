package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/clients"
	"github.com/fyrsmithlabs/corpusd/internal/composer"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/registry"
	"github.com/fyrsmithlabs/corpusd/internal/retriever"
	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// ClientRequest is the request body for creating or updating a client.
// Email is fixed at creation; updates that try to change it are rejected.
type ClientRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Company  string `json:"company"`
	Website  string `json:"website"`
	Industry string `json:"industry"`
	Notes    string `json:"notes"`
	IsActive *bool  `json:"is_active"`
}

// ClientResponse is the serialized client record.
type ClientResponse struct {
	ClientID  string    `json:"client_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Company   string    `json:"company,omitempty"`
	Website   string    `json:"website,omitempty"`
	Industry  string    `json:"industry,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func clientResponse(client clients.Client) ClientResponse {
	return ClientResponse{
		ClientID:  client.ClientID,
		Name:      client.Name,
		Email:     client.Email,
		Company:   client.Company,
		Website:   client.Website,
		Industry:  client.Industry,
		Notes:     client.Notes,
		IsActive:  client.IsActive,
		CreatedAt: client.CreatedAt,
		UpdatedAt: client.UpdatedAt,
	}
}

func (s *Server) handleCreateClient(c echo.Context) error {
	var req ClientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	created, err := s.clients.Create(c.Request().Context(), clients.Client{
		Name:     req.Name,
		Email:    req.Email,
		Company:  req.Company,
		Website:  req.Website,
		Industry: req.Industry,
		Notes:    req.Notes,
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, clientResponse(created))
}

func (s *Server) handleListClients(c echo.Context) error {
	list, err := s.clients.List(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	responses := make([]ClientResponse, len(list))
	for i, client := range list {
		responses[i] = clientResponse(client)
	}
	return c.JSON(http.StatusOK, responses)
}

func (s *Server) handleGetClient(c echo.Context) error {
	client, err := s.clients.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, clientResponse(client))
}

func (s *Server) handleUpdateClient(c echo.Context) error {
	ctx := c.Request().Context()

	existing, err := s.clients.Get(ctx, c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}

	var req ClientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.Email != "" && !strings.EqualFold(strings.TrimSpace(req.Email), existing.Email) {
		return echo.NewHTTPError(http.StatusBadRequest, "email cannot be changed")
	}

	existing.Name = req.Name
	existing.Company = req.Company
	existing.Website = req.Website
	existing.Industry = req.Industry
	existing.Notes = req.Notes
	if req.IsActive != nil {
		existing.IsActive = *req.IsActive
	}

	updated, err := s.clients.Update(ctx, existing)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, clientResponse(updated))
}

func (s *Server) handleDeleteClient(c echo.Context) error {
	ctx := c.Request().Context()
	clientID := c.Param("id")

	if _, err := s.clients.Get(ctx, clientID); err != nil {
		return s.mapError(err)
	}

	// Indexed data goes first; the client record is only removed once
	// every source is gone.
	results, err := s.rag.DeleteTenantData(ctx, clientID)
	if err != nil {
		return s.mapError(err)
	}
	if failed := failedResults(results); len(failed) > 0 {
		return c.JSON(http.StatusConflict, map[string]any{
			"message": "some sources could not be deleted, client record kept",
			"results": failed,
		})
	}

	if err := s.clients.Delete(ctx, clientID); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// IngestRequest is the request body for POST /api/v1/rag/ingest.
type IngestRequest struct {
	ClientID string `json:"client_id"`
	Title    string `json:"title"`
	Kind     string `json:"kind"`
	Text     string `json:"text"`
}

// IngestResponse is the response body for POST /api/v1/rag/ingest.
type IngestResponse struct {
	SourceID string `json:"source_id"`
}

func (s *Server) handleIngest(c echo.Context) error {
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.requireClient(c, req.ClientID); err != nil {
		return err
	}

	kind := vectorstore.SourceKind(req.Kind)
	if req.Kind == "" {
		kind = vectorstore.SourceKindManual
	}
	if !kind.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "kind must be scraped, uploaded, or manual")
	}

	sourceID, err := s.rag.Ingest(c.Request().Context(), req.ClientID, req.Title, kind, req.Text)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, IngestResponse{SourceID: sourceID})
}

// QueryRequest is the request body for POST /api/v1/rag/query.
type QueryRequest struct {
	ClientID string `json:"client_id"`
	Question string `json:"question"`
	K        int    `json:"k"`
	Compose  bool   `json:"compose"`
}

// MatchResponse is one ranked fragment.
type MatchResponse struct {
	FragmentID    string  `json:"fragment_id"`
	SourceID      string  `json:"source_id"`
	SequenceIndex int     `json:"sequence_index"`
	Text          string  `json:"text"`
	Score         float32 `json:"score"`
}

// QueryResponse is the response body for POST /api/v1/rag/query.
type QueryResponse struct {
	Matches  []MatchResponse `json:"matches"`
	Answer   string          `json:"answer,omitempty"`
	Degraded bool            `json:"degraded,omitempty"`
	Notice   string          `json:"notice,omitempty"`
}

func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.requireClient(c, req.ClientID); err != nil {
		return err
	}

	k := req.K
	if k == 0 {
		k = 5
	}

	ctx := c.Request().Context()
	matches, err := s.rag.Query(ctx, req.ClientID, req.Question, k)
	if err != nil {
		return s.mapError(err)
	}

	resp := QueryResponse{Matches: make([]MatchResponse, len(matches))}
	for i, m := range matches {
		resp.Matches[i] = MatchResponse{
			FragmentID:    m.Fragment.FragmentID,
			SourceID:      m.Fragment.SourceID,
			SequenceIndex: m.Fragment.SequenceIndex,
			Text:          m.Fragment.Text,
			Score:         m.Score,
		}
	}

	if req.Compose && s.composer != nil {
		client, err := s.clients.Get(ctx, req.ClientID)
		if err != nil {
			return s.mapError(err)
		}
		answer, err := s.composer.Compose(ctx, composer.ComposeRequest{
			Question: req.Question,
			Matches:  matches,
			Profile: composer.TenantProfile{
				Name:     client.Name,
				Company:  client.Company,
				Industry: client.Industry,
			},
		})
		if err != nil {
			return s.mapError(err)
		}
		resp.Answer = answer.Text
		resp.Degraded = answer.Degraded
		resp.Notice = answer.Notice
	}

	return c.JSON(http.StatusOK, resp)
}

// SourceResponse is the serialized source record.
type SourceResponse struct {
	SourceID    string    `json:"source_id"`
	ClientID    string    `json:"client_id"`
	Kind        string    `json:"kind"`
	Title       string    `json:"title"`
	FragmentIDs []string  `json:"fragment_ids"`
	IsIndexed   bool      `json:"is_indexed"`
	CreatedAt   time.Time `json:"created_at"`
}

func sourceResponse(source registry.Source) SourceResponse {
	return SourceResponse{
		SourceID:    source.SourceID,
		ClientID:    source.TenantID,
		Kind:        string(source.Kind),
		Title:       source.Title,
		FragmentIDs: source.FragmentIDs,
		IsIndexed:   source.IsIndexed,
		CreatedAt:   source.CreatedAt,
	}
}

func (s *Server) handleListSources(c echo.Context) error {
	clientID := c.QueryParam("client_id")
	if err := s.requireClient(c, clientID); err != nil {
		return err
	}

	sources, err := s.rag.ListSources(c.Request().Context(), clientID)
	if err != nil {
		return s.mapError(err)
	}
	responses := make([]SourceResponse, len(sources))
	for i, source := range sources {
		responses[i] = sourceResponse(source)
	}
	return c.JSON(http.StatusOK, responses)
}

func (s *Server) handleListFragments(c echo.Context) error {
	fragmentIDs, err := s.rag.ListFragments(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, map[string][]string{"fragment_ids": fragmentIDs})
}

func (s *Server) handleDeleteSource(c echo.Context) error {
	if err := s.rag.DeleteSource(c.Request().Context(), c.Param("id")); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ReindexRequest is the request body for source reindexing.
type ReindexRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleReindexSource(c echo.Context) error {
	var req ReindexRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.rag.ReindexSource(c.Request().Context(), c.Param("id"), req.Text); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// StatusResponse summarizes a tenant's indexed data.
type StatusResponse struct {
	ClientID  string `json:"client_id"`
	Sources   int    `json:"sources"`
	Fragments uint64 `json:"fragments"`
}

func (s *Server) handleStatus(c echo.Context) error {
	clientID := c.QueryParam("client_id")
	if err := s.requireClient(c, clientID); err != nil {
		return err
	}

	ctx := c.Request().Context()
	sources, err := s.rag.ListSources(ctx, clientID)
	if err != nil {
		return s.mapError(err)
	}
	count, err := s.rag.Count(ctx, clientID)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, StatusResponse{
		ClientID:  clientID,
		Sources:   len(sources),
		Fragments: count,
	})
}

func (s *Server) handleDeleteTenantData(c echo.Context) error {
	clientID := c.Param("id")
	if err := s.requireClient(c, clientID); err != nil {
		return err
	}

	results, err := s.rag.DeleteTenantData(c.Request().Context(), clientID)
	if err != nil {
		return s.mapError(err)
	}

	failed := failedResults(results)
	status := http.StatusOK
	if len(failed) > 0 {
		status = http.StatusConflict
	}
	return c.JSON(status, map[string]any{
		"deleted": len(results) - len(failed),
		"failed":  failed,
	})
}

// requireClient rejects requests for unknown or inactive clients.
func (s *Server) requireClient(c echo.Context, clientID string) error {
	if clientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id is required")
	}
	ok, err := s.clients.Exists(c.Request().Context(), clientID)
	if err != nil {
		return s.mapError(err)
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown client")
	}
	return nil
}

// failedResults filters a per-source result map down to the failures.
func failedResults(results map[string]error) map[string]string {
	failed := make(map[string]string)
	for sourceID, err := range results {
		if err != nil {
			failed[sourceID] = err.Error()
		}
	}
	return failed
}

// mapError converts core errors into HTTP status codes. Core errors are
// surfaced verbatim in the message; masking them would hide isolation or
// consistency problems.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, clients.ErrNotFound),
		errors.Is(err, vectorstore.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, retriever.ErrEmptyQuery),
		errors.Is(err, registry.ErrInvalidInput),
		errors.Is(err, clients.ErrInvalidInput),
		errors.Is(err, composer.ErrEmptyQuestion),
		errors.Is(err, vectorstore.ErrMissingTenant),
		errors.Is(err, vectorstore.ErrInvalidTenantID),
		errors.Is(err, vectorstore.ErrInvalidFragment):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, clients.ErrDuplicateEmail):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, retriever.ErrTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, embeddings.ErrEmbeddingUnavailable),
		errors.Is(err, vectorstore.ErrStorageUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("unhandled error", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
