package retriever

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/chunker"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/registry"
	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

var (
	// ErrEmptyQuery indicates a blank query text.
	ErrEmptyQuery = errors.New("query cannot be empty")

	// ErrTimeout indicates the caller's deadline expired during a
	// network-blocking call.
	ErrTimeout = errors.New("operation timed out")
)

var timeNow = time.Now

// Retriever is the tenant-scoped ingestion and query core.
type Retriever struct {
	chunker  *chunker.Chunker
	embedder embeddings.Provider
	index    vectorstore.Index
	registry *registry.Registry
	logger   *zap.Logger
	locks    *sourceLocks
}

// New creates a Retriever over the given components.
func New(ch *chunker.Chunker, embedder embeddings.Provider, index vectorstore.Index, reg *registry.Registry, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		chunker:  ch,
		embedder: embedder,
		index:    index,
		registry: reg,
		logger:   logger.Named("retriever"),
		locks:    newSourceLocks(),
	}
}

// Ingest chunks, embeds, and indexes text for a tenant, returning the new
// source id. Embedding runs before any index write; any failure after the
// first index write rolls the inserted fragments back before the error is
// surfaced. Empty text registers a source with an empty manifest.
func (r *Retriever) Ingest(ctx context.Context, tenantID, title string, kind vectorstore.SourceKind, text string) (string, error) {
	tracer := otel.Tracer("corpusd.retriever")
	ctx, span := tracer.Start(ctx, "retriever.ingest")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("source.kind", string(kind)),
	)

	if err := vectorstore.ValidateTenantID(tenantID); err != nil {
		return "", err
	}

	chunks := r.chunker.Chunk(text)
	span.SetAttributes(attribute.Int("fragments.count", len(chunks)))

	// Embed everything up front so an embedder failure leaves the index
	// and registry untouched.
	var vectors [][]float32
	if len(chunks) > 0 {
		var err error
		vectors, err = r.embedder.EmbedDocuments(ctx, chunks)
		if err != nil {
			err = r.mapTimeout(ctx, err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("embedding fragments: %w", err)
		}
		if len(vectors) != len(chunks) {
			return "", fmt.Errorf("%w: got %d vectors for %d fragments",
				embeddings.ErrEmbeddingUnavailable, len(vectors), len(chunks))
		}
	}

	source, err := r.registry.RegisterSource(ctx, tenantID, kind, title)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("registering source: %w", err)
	}

	release := r.locks.acquire(tenantID + "/" + source.SourceID)
	defer release()

	if len(chunks) == 0 {
		if err := r.registry.AttachFragments(ctx, source.SourceID, nil); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("attaching empty manifest: %w", err)
		}
		r.logger.Info("ingested empty source",
			zap.String("tenant_id", tenantID),
			zap.String("source_id", source.SourceID))
		return source.SourceID, nil
	}

	createdAt := timeNow().UTC()
	fragments := make([]vectorstore.Fragment, len(chunks))
	fragmentIDs := make([]string, len(chunks))
	for i, chunk := range chunks {
		id := uuid.New().String()
		fragmentIDs[i] = id
		fragments[i] = vectorstore.Fragment{
			FragmentID:    id,
			TenantID:      tenantID,
			SourceID:      source.SourceID,
			Kind:          kind,
			SequenceIndex: i,
			Text:          chunk,
			Vector:        vectors[i],
			CreatedAt:     createdAt,
		}
	}

	if err := r.index.Upsert(ctx, fragments); err != nil {
		err = r.mapTimeout(ctx, err)
		r.rollbackIngest(ctx, tenantID, source.SourceID, nil)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("indexing fragments: %w", err)
	}

	if err := r.registry.AttachFragments(ctx, source.SourceID, fragmentIDs); err != nil {
		r.rollbackIngest(ctx, tenantID, source.SourceID, fragmentIDs)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("attaching fragments: %w", err)
	}

	r.logger.Info("ingested source",
		zap.String("tenant_id", tenantID),
		zap.String("source_id", source.SourceID),
		zap.Int("fragments", len(fragments)))
	return source.SourceID, nil
}

// rollbackIngest undoes a partial ingest. Best effort: failures leave an
// orphaned manifest or source row, which later deletes can clean up.
func (r *Retriever) rollbackIngest(ctx context.Context, tenantID, sourceID string, fragmentIDs []string) {
	if len(fragmentIDs) > 0 {
		if err := r.index.Delete(ctx, tenantID, fragmentIDs); err != nil {
			r.logger.Error("ingest rollback: deleting fragments failed",
				zap.String("source_id", sourceID), zap.Error(err))
		}
	}
	if err := r.registry.DeleteSource(ctx, sourceID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		r.logger.Error("ingest rollback: deleting source failed",
			zap.String("source_id", sourceID), zap.Error(err))
	}
}

// Query embeds the query text and returns the tenant's k most similar
// fragments, ranked.
func (r *Retriever) Query(ctx context.Context, tenantID, queryText string, k int) ([]vectorstore.Match, error) {
	tracer := otel.Tracer("corpusd.retriever")
	ctx, span := tracer.Start(ctx, "retriever.query")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int("k", k),
	)

	if err := vectorstore.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(queryText) == "" {
		return nil, ErrEmptyQuery
	}
	if k < 0 {
		return nil, fmt.Errorf("k cannot be negative, got %d", k)
	}
	if k == 0 {
		return []vectorstore.Match{}, nil
	}

	vector, err := r.embedder.EmbedQuery(ctx, queryText)
	if err != nil {
		err = r.mapTimeout(ctx, err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	matches, err := r.index.Search(ctx, tenantID, vector, k)
	if err != nil {
		err = r.mapTimeout(ctx, err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("searching index: %w", err)
	}

	span.SetAttributes(attribute.Int("matches.count", len(matches)))
	return matches, nil
}

// DeleteSource removes a source's fragments from the index, then its
// manifest and record from the registry. The manifest goes last, so a
// crash mid-way leaves an orphaned manifest rather than unreachable
// vectors.
func (r *Retriever) DeleteSource(ctx context.Context, sourceID string) error {
	tracer := otel.Tracer("corpusd.retriever")
	ctx, span := tracer.Start(ctx, "retriever.delete_source")
	defer span.End()
	span.SetAttributes(attribute.String("source.id", sourceID))

	source, err := r.registry.GetSource(ctx, sourceID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	release := r.locks.acquire(source.TenantID + "/" + sourceID)
	defer release()

	// Re-read under the lock in case a concurrent reindex swapped the
	// manifest.
	fragmentIDs, err := r.registry.ListFragments(ctx, sourceID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if len(fragmentIDs) > 0 {
		if err := r.index.Delete(ctx, source.TenantID, fragmentIDs); err != nil {
			err = r.mapTimeout(ctx, err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("deleting fragments from index: %w", err)
		}
	}

	if err := r.registry.DeleteSource(ctx, sourceID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting source record: %w", err)
	}

	r.logger.Info("deleted source",
		zap.String("tenant_id", source.TenantID),
		zap.String("source_id", sourceID),
		zap.Int("fragments", len(fragmentIDs)))
	return nil
}

// DeleteTenantData deletes every source belonging to the tenant. It never
// fails fast: each source is attempted and the result map carries one
// entry per source id, nil on success.
func (r *Retriever) DeleteTenantData(ctx context.Context, tenantID string) (map[string]error, error) {
	tracer := otel.Tracer("corpusd.retriever")
	ctx, span := tracer.Start(ctx, "retriever.delete_tenant_data")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	if err := vectorstore.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}

	sources, err := r.registry.ListSources(ctx, tenantID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("listing sources: %w", err)
	}

	results := make(map[string]error, len(sources))
	failed := 0
	for _, source := range sources {
		err := r.DeleteSource(ctx, source.SourceID)
		results[source.SourceID] = err
		if err != nil {
			failed++
		}
	}

	if failed > 0 {
		r.logger.Warn("tenant data deletion partially failed",
			zap.String("tenant_id", tenantID),
			zap.Int("failed", failed),
			zap.Int("total", len(sources)))
	}
	return results, nil
}

// ReindexSource re-chunks fresh text for an existing source. The source id
// and tenant persist; fragment ids are regenerated, old ones removed from
// the index, and the manifest replaced in a single transaction.
func (r *Retriever) ReindexSource(ctx context.Context, sourceID, freshText string) error {
	tracer := otel.Tracer("corpusd.retriever")
	ctx, span := tracer.Start(ctx, "retriever.reindex_source")
	defer span.End()
	span.SetAttributes(attribute.String("source.id", sourceID))

	source, err := r.registry.GetSource(ctx, sourceID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	chunks := r.chunker.Chunk(freshText)
	span.SetAttributes(attribute.Int("fragments.count", len(chunks)))

	var vectors [][]float32
	if len(chunks) > 0 {
		vectors, err = r.embedder.EmbedDocuments(ctx, chunks)
		if err != nil {
			err = r.mapTimeout(ctx, err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("embedding fragments: %w", err)
		}
		if len(vectors) != len(chunks) {
			return fmt.Errorf("%w: got %d vectors for %d fragments",
				embeddings.ErrEmbeddingUnavailable, len(vectors), len(chunks))
		}
	}

	release := r.locks.acquire(source.TenantID + "/" + sourceID)
	defer release()

	oldIDs, err := r.registry.ListFragments(ctx, sourceID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if len(oldIDs) > 0 {
		if err := r.index.Delete(ctx, source.TenantID, oldIDs); err != nil {
			err = r.mapTimeout(ctx, err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("deleting old fragments: %w", err)
		}
	}

	createdAt := timeNow().UTC()
	fragments := make([]vectorstore.Fragment, len(chunks))
	newIDs := make([]string, len(chunks))
	for i, chunk := range chunks {
		id := uuid.New().String()
		newIDs[i] = id
		fragments[i] = vectorstore.Fragment{
			FragmentID:    id,
			TenantID:      source.TenantID,
			SourceID:      sourceID,
			Kind:          source.Kind,
			SequenceIndex: i,
			Text:          chunk,
			Vector:        vectors[i],
			CreatedAt:     createdAt,
		}
	}

	if len(fragments) > 0 {
		if err := r.index.Upsert(ctx, fragments); err != nil {
			err = r.mapTimeout(ctx, err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("indexing fragments: %w", err)
		}
	}

	if err := r.registry.ReplaceFragments(ctx, sourceID, newIDs); err != nil {
		// Remove the fresh fragments so the stale manifest stays
		// orphaned-but-harmless.
		if len(newIDs) > 0 {
			if derr := r.index.Delete(ctx, source.TenantID, newIDs); derr != nil {
				r.logger.Error("reindex rollback: deleting fragments failed",
					zap.String("source_id", sourceID), zap.Error(derr))
			}
		}
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("replacing manifest: %w", err)
	}

	r.logger.Info("reindexed source",
		zap.String("tenant_id", source.TenantID),
		zap.String("source_id", sourceID),
		zap.Int("old_fragments", len(oldIDs)),
		zap.Int("new_fragments", len(newIDs)))
	return nil
}

// ListSources returns the tenant's sources, newest first.
func (r *Retriever) ListSources(ctx context.Context, tenantID string) ([]registry.Source, error) {
	if err := vectorstore.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	return r.registry.ListSources(ctx, tenantID)
}

// ListFragments returns a source's fragment ids in sequence order.
func (r *Retriever) ListFragments(ctx context.Context, sourceID string) ([]string, error) {
	return r.registry.ListFragments(ctx, sourceID)
}

// Count returns the number of indexed fragments for a tenant.
func (r *Retriever) Count(ctx context.Context, tenantID string) (uint64, error) {
	if err := vectorstore.ValidateTenantID(tenantID); err != nil {
		return 0, err
	}
	count, err := r.index.Count(ctx, tenantID)
	if err != nil {
		return 0, r.mapTimeout(ctx, err)
	}
	return count, nil
}

// mapTimeout surfaces an expired caller deadline as ErrTimeout so callers
// can tell it apart from backend unavailability.
func (r *Retriever) mapTimeout(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
