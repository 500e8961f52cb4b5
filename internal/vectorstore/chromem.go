package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("corpusd.vectorstore.chromem")

const chromemBackend = "chromem"

// ChromemConfig holds configuration for the embedded chromem-go backend.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	// Default: "~/.config/corpusd/index"
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool

	// VectorSize is the expected embedding dimension.
	// Must match the embedder's output dimension.
	// Default: 384 (for FastEmbed bge-small-en-v1.5)
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.config/corpusd/index"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemIndex implements Index using chromem-go.
//
// chromem-go is an embeddable vector database with zero third-party
// dependencies: pure Go, no external service, automatic persistence to gob
// files. Every tenant gets its own collection, so isolation is structural
// rather than filter-based. Tenant metadata is still stamped on every
// document as a second line of defense and for offline inspection.
type ChromemIndex struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger

	mu      sync.Mutex
	tenants map[string]*sync.Mutex
}

// NewChromemIndex opens (or creates) a persistent chromem database at the
// configured path.
func NewChromemIndex(config ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	path, err := expandPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("%w: opening chromem DB: %v", ErrStorageUnavailable, err)
	}

	idx := &ChromemIndex{
		db:      db,
		config:  config,
		logger:  logger,
		tenants: make(map[string]*sync.Mutex),
	}

	logger.Info("chromem index initialized",
		zap.String("path", path),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
	)

	return idx, nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// tenantCollection maps a tenant id to its collection name. chromem hashes
// collection names for on-disk paths, so the raw tenant id is safe here.
func tenantCollection(tenantID string) string {
	return "tenant_" + tenantID
}

// rejectEmbedding is installed as the collection embedding function. The
// index only accepts pre-computed vectors; chromem must never be allowed to
// fall back to its default OpenAI embedder for persisted collections.
func rejectEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("index stores pre-computed vectors only")
}

// tenantLock returns the mutex serializing mutations of one tenant's
// collection. chromem's Collection.Delete reads the document count before
// taking the collection's own lock, so Add and Delete on the same
// collection race unless serialized here.
func (s *ChromemIndex) tenantLock(tenantID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.tenants[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		s.tenants[tenantID] = lock
	}
	return lock
}

func (s *ChromemIndex) getOrCreateCollection(tenantID string) (*chromem.Collection, error) {
	collection, err := s.db.GetOrCreateCollection(tenantCollection(tenantID), map[string]string{
		payloadTenantID: tenantID,
	}, rejectEmbedding)
	if err != nil {
		return nil, fmt.Errorf("%w: getting/creating collection for tenant %s: %v", ErrStorageUnavailable, tenantID, err)
	}
	return collection, nil
}

// Upsert inserts fragments into their tenants' collections, replacing any
// existing fragment with the same id.
func (s *ChromemIndex) Upsert(ctx context.Context, fragments []Fragment) (err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()

	start := time.Now()
	defer func() { observeOperation(chromemBackend, "upsert", start, err) }()

	span.SetAttributes(attribute.Int("fragment_count", len(fragments)))

	if len(fragments) == 0 {
		return nil
	}
	if err = validateFragments(fragments, s.config.VectorSize); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// Group by tenant so one batch can span partitions.
	byTenant := make(map[string][]chromem.Document)
	for _, f := range fragments {
		byTenant[f.TenantID] = append(byTenant[f.TenantID], chromem.Document{
			ID:        f.FragmentID,
			Content:   f.Text,
			Metadata:  fragmentMetadata(f),
			Embedding: f.Vector,
		})
	}

	for tenantID, docs := range byTenant {
		collection, cerr := s.getOrCreateCollection(tenantID)
		if cerr != nil {
			err = cerr
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		lock := s.tenantLock(tenantID)
		lock.Lock()
		// Concurrency 1: embeddings are already computed.
		aerr := collection.AddDocuments(ctx, docs, 1)
		lock.Unlock()
		if aerr != nil {
			err = fmt.Errorf("%w: adding fragments for tenant %s: %v", ErrStorageUnavailable, tenantID, aerr)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		FragmentsWritten.WithLabelValues(chromemBackend).Add(float64(len(docs)))
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("upserted fragments to chromem",
		zap.Int("count", len(fragments)),
		zap.Int("tenants", len(byTenant)),
	)
	return nil
}

// Search returns up to k nearest fragments for the tenant.
func (s *ChromemIndex) Search(ctx context.Context, tenantID string, vector []float32, k int) (matches []Match, err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Search")
	defer span.End()

	start := time.Now()
	defer func() { observeOperation(chromemBackend, "search", start, err) }()

	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.Int("k", k),
	)

	if err = ValidateTenantID(tenantID); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if k < 0 {
		err = fmt.Errorf("k must be non-negative, got %d", k)
		return nil, err
	}
	if k == 0 {
		return []Match{}, nil
	}
	if len(vector) == 0 {
		err = fmt.Errorf("query vector cannot be empty")
		return nil, err
	}

	collection := s.db.GetCollection(tenantCollection(tenantID), rejectEmbedding)
	if collection == nil {
		// Tenant has never written anything: empty result, not an error.
		span.SetStatus(codes.Ok, "no collection")
		return []Match{}, nil
	}

	// chromem requires nResults <= document count.
	docCount := collection.Count()
	if docCount == 0 {
		span.SetStatus(codes.Ok, "empty collection")
		return []Match{}, nil
	}
	if k > docCount {
		k = docCount
	}

	// The tenant filter is redundant with the per-tenant collection but
	// guards against any future collection sharing.
	results, qerr := collection.QueryEmbedding(ctx, vector, k, map[string]string{payloadTenantID: tenantID}, nil)
	if qerr != nil {
		err = fmt.Errorf("%w: querying tenant %s: %v", ErrStorageUnavailable, tenantID, qerr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	matches = make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{
			Fragment: metadataFragment(r.ID, r.Content, r.Embedding, r.Metadata),
			Score:    r.Similarity,
		}
	}
	rankMatches(matches)

	span.SetAttributes(attribute.Int("results_count", len(matches)))
	span.SetStatus(codes.Ok, "success")
	return matches, nil
}

// Delete removes fragment ids from the tenant's collection. Missing ids and
// tenants without a collection are no-ops.
func (s *ChromemIndex) Delete(ctx context.Context, tenantID string, ids []string) (err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Delete")
	defer span.End()

	start := time.Now()
	defer func() { observeOperation(chromemBackend, "delete", start, err) }()

	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.Int("id_count", len(ids)),
	)

	if err = ValidateTenantID(tenantID); err != nil {
		span.RecordError(err)
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	collection := s.db.GetCollection(tenantCollection(tenantID), rejectEmbedding)
	if collection == nil {
		span.SetStatus(codes.Ok, "no collection")
		return nil
	}

	lock := s.tenantLock(tenantID)
	lock.Lock()
	derr := collection.Delete(ctx, nil, nil, ids...)
	lock.Unlock()
	if derr != nil {
		err = fmt.Errorf("%w: deleting fragments for tenant %s: %v", ErrStorageUnavailable, tenantID, derr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("deleted fragments from chromem",
		zap.String("tenant_id", tenantID),
		zap.Int("count", len(ids)),
	)
	return nil
}

// Count returns the number of fragments stored for the tenant.
func (s *ChromemIndex) Count(ctx context.Context, tenantID string) (count uint64, err error) {
	_, span := chromemTracer.Start(ctx, "ChromemIndex.Count")
	defer span.End()

	start := time.Now()
	defer func() { observeOperation(chromemBackend, "count", start, err) }()

	span.SetAttributes(attribute.String("tenant_id", tenantID))

	if err = ValidateTenantID(tenantID); err != nil {
		span.RecordError(err)
		return 0, err
	}

	collection := s.db.GetCollection(tenantCollection(tenantID), rejectEmbedding)
	if collection == nil {
		span.SetStatus(codes.Ok, "no collection")
		return 0, nil
	}

	count = uint64(collection.Count())
	span.SetAttributes(attribute.Int("count", int(count)))
	span.SetStatus(codes.Ok, "success")
	return count, nil
}

// Close closes the index. chromem persists on write, so there is nothing to
// flush.
func (s *ChromemIndex) Close() error {
	s.logger.Info("chromem index closed")
	return nil
}

// fragmentMetadata flattens a fragment into chromem string metadata.
func fragmentMetadata(f Fragment) map[string]string {
	meta := map[string]string{
		payloadTenantID:  f.TenantID,
		payloadSourceID:  f.SourceID,
		payloadKind:      string(f.Kind),
		payloadSequence:  strconv.Itoa(f.SequenceIndex),
		payloadCreatedAt: f.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range f.Extra {
		meta[payloadExtra+k] = v
	}
	return meta
}

// metadataFragment rebuilds a fragment from a stored chromem document.
func metadataFragment(id, content string, embedding []float32, meta map[string]string) Fragment {
	f := Fragment{
		FragmentID: id,
		TenantID:   meta[payloadTenantID],
		SourceID:   meta[payloadSourceID],
		Kind:       SourceKind(meta[payloadKind]),
		Text:       content,
		Vector:     embedding,
	}
	if seq, err := strconv.Atoi(meta[payloadSequence]); err == nil {
		f.SequenceIndex = seq
	}
	if ts, err := time.Parse(time.RFC3339Nano, meta[payloadCreatedAt]); err == nil {
		f.CreatedAt = ts
	}
	for k, v := range meta {
		if strings.HasPrefix(k, payloadExtra) {
			if f.Extra == nil {
				f.Extra = make(map[string]string)
			}
			f.Extra[strings.TrimPrefix(k, payloadExtra)] = v
		}
	}
	return f
}

// Ensure ChromemIndex implements Index.
var _ Index = (*ChromemIndex)(nil)
