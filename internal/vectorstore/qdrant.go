package vectorstore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// qdrantTracer for OpenTelemetry instrumentation.
var qdrantTracer = otel.Tracer("corpusd.vectorstore.qdrant")

const qdrantBackend = "qdrant"

// QdrantConfig holds configuration for the Qdrant gRPC backend.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	// Default: "localhost"
	Host string

	// Port is the Qdrant gRPC port (NOT the HTTP REST port).
	// Default: 6334 (gRPC), not 6333 (HTTP)
	Port int

	// CollectionName is the shared collection holding all tenants.
	// Default: "corpusd_fragments"
	CollectionName string

	// VectorSize is the dimensionality of embeddings.
	// MUST match the embedder output dimension.
	VectorSize uint64

	// UseTLS enables TLS encryption for the gRPC connection.
	UseTLS bool

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 50MB (to handle large ingestion batches)
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.CollectionName == "" {
		c.CollectionName = "corpusd_fragments"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024 // 50MB
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.CollectionName == "" {
		return fmt.Errorf("%w: collection name required", ErrInvalidConfig)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// QdrantIndex implements Index against an external Qdrant server using the
// native gRPC client.
//
// All tenants share one collection. Isolation is enforced by payload
// filtering: every fragment carries a tenant_id payload field, and every
// Search, Delete and Count builds its filter from the tenantID method
// argument. Caller-supplied data never reaches the filter, so a tenant
// cannot widen its own scope.
type QdrantIndex struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	// ensureOnce guards shared-collection creation.
	ensureOnce sync.Once
	ensureErr  error
}

// NewQdrantIndex connects to Qdrant and verifies the server is reachable.
func NewQdrantIndex(config QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !config.UseTLS {
		fmt.Fprintf(os.Stderr, "WARNING: Qdrant gRPC using plaintext (TLS disabled). Insecure for production.\n")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	idx := &QdrantIndex{
		client: client,
		config: config,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrStorageUnavailable, err)
	}

	logger.Info("qdrant index initialized",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("collection", config.CollectionName),
		zap.Uint64("vector_size", config.VectorSize),
	)

	return idx, nil
}

// Close closes the gRPC connection.
func (s *QdrantIndex) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// ensureCollection creates the shared collection on first use.
func (s *QdrantIndex) ensureCollection(ctx context.Context) error {
	s.ensureOnce.Do(func() {
		exists, err := s.client.CollectionExists(ctx, s.config.CollectionName)
		if err != nil {
			s.ensureErr = mapQdrantError("checking collection", err)
			return
		}
		if exists {
			return
		}
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.config.CollectionName,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.config.VectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			// Lost a creation race with another instance; that is fine.
			if strings.Contains(err.Error(), "already exists") {
				return
			}
			s.ensureErr = mapQdrantError("creating collection", err)
			return
		}
		s.logger.Info("created qdrant collection",
			zap.String("collection", s.config.CollectionName),
			zap.Uint64("vector_size", s.config.VectorSize),
		)
	})
	return s.ensureErr
}

// tenantFilter builds the mandatory isolation filter from the method
// argument. Extra conditions are appended to the same Must clause.
func (s *QdrantIndex) tenantFilter(tenantID string, extra ...*qdrant.Condition) *qdrant.Filter {
	conditions := []*qdrant.Condition{
		{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: payloadTenantID,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: tenantID},
					},
				},
			},
		},
	}
	conditions = append(conditions, extra...)
	return &qdrant.Filter{Must: conditions}
}

// Upsert inserts fragments into the shared collection, replacing any
// existing point with the same fragment id.
func (s *QdrantIndex) Upsert(ctx context.Context, fragments []Fragment) (err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Upsert")
	defer span.End()

	start := time.Now()
	defer func() { observeOperation(qdrantBackend, "upsert", start, err) }()

	span.SetAttributes(
		attribute.Int("fragment_count", len(fragments)),
		attribute.String("collection", s.config.CollectionName),
	)

	if len(fragments) == 0 {
		return nil
	}
	if err = validateFragments(fragments, int(s.config.VectorSize)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err = s.ensureCollection(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	points := make([]*qdrant.PointStruct, len(fragments))
	for i, f := range fragments {
		points[i] = &qdrant.PointStruct{
			Id:      qdrantPointID(f.FragmentID),
			Vectors: qdrant.NewVectors(f.Vector...),
			Payload: fragmentPayload(f),
		}
	}

	if _, uerr := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.config.CollectionName,
		Points:         points,
	}); uerr != nil {
		err = mapQdrantError("upserting points", uerr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	FragmentsWritten.WithLabelValues(qdrantBackend).Add(float64(len(points)))
	span.SetAttributes(attribute.Int("points_added", len(points)))
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Search returns up to k nearest fragments for the tenant.
func (s *QdrantIndex) Search(ctx context.Context, tenantID string, vector []float32, k int) (matches []Match, err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Search")
	defer span.End()

	start := time.Now()
	defer func() { observeOperation(qdrantBackend, "search", start, err) }()

	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.Int("k", k),
		attribute.String("collection", s.config.CollectionName),
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
	if err = s.ensureCollection(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	results, qerr := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.config.CollectionName,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		Filter:         s.tenantFilter(tenantID),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if qerr != nil {
		err = mapQdrantError("searching collection", qerr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	matches = make([]Match, 0, len(results))
	for _, point := range results {
		matches = append(matches, Match{
			Fragment: payloadFragment(point.Payload),
			Score:    point.Score,
		})
	}
	rankMatches(matches)

	span.SetAttributes(attribute.Int("results_count", len(matches)))
	span.SetStatus(codes.Ok, "success")
	return matches, nil
}

// Delete removes fragment ids from the tenant's partition. The filter joins
// the fragment ids with the mandatory tenant condition, so ids belonging to
// another tenant are untouched. Missing ids are no-ops.
func (s *QdrantIndex) Delete(ctx context.Context, tenantID string, ids []string) (err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Delete")
	defer span.End()

	start := time.Now()
	defer func() { observeOperation(qdrantBackend, "delete", start, err) }()

	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.Int("id_count", len(ids)),
		attribute.String("collection", s.config.CollectionName),
	)

	if err = ValidateTenantID(tenantID); err != nil {
		span.RecordError(err)
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err = s.ensureCollection(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	idCondition := &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: payloadFragmentID,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keywords{
						Keywords: &qdrant.RepeatedStrings{Strings: ids},
					},
				},
			},
		},
	}

	if _, derr := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.config.CollectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: s.tenantFilter(tenantID, idCondition),
			},
		},
	}); derr != nil {
		err = mapQdrantError("deleting points", derr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count returns the number of fragments stored for the tenant.
func (s *QdrantIndex) Count(ctx context.Context, tenantID string) (count uint64, err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Count")
	defer span.End()

	start := time.Now()
	defer func() { observeOperation(qdrantBackend, "count", start, err) }()

	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("collection", s.config.CollectionName),
	)

	if err = ValidateTenantID(tenantID); err != nil {
		span.RecordError(err)
		return 0, err
	}
	if err = s.ensureCollection(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	count, cerr := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.config.CollectionName,
		Filter:         s.tenantFilter(tenantID),
		Exact:          qdrant.PtrOf(true),
	})
	if cerr != nil {
		err = mapQdrantError("counting points", cerr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	span.SetAttributes(attribute.Int("count", int(count)))
	span.SetStatus(codes.Ok, "success")
	return count, nil
}

// qdrantPointID derives the Qdrant point id from a fragment id. Fragment ids
// are UUIDs; anything else is mapped to a deterministic UUID so repeated
// upserts of the same fragment id hit the same point.
func qdrantPointID(fragmentID string) *qdrant.PointId {
	if _, err := uuid.Parse(fragmentID); err == nil {
		return qdrant.NewIDUUID(fragmentID)
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(fragmentID)).String())
}

// fragmentPayload flattens a fragment into a Qdrant payload.
func fragmentPayload(f Fragment) map[string]*qdrant.Value {
	payload := map[string]*qdrant.Value{
		payloadFragmentID: {Kind: &qdrant.Value_StringValue{StringValue: f.FragmentID}},
		payloadTenantID:   {Kind: &qdrant.Value_StringValue{StringValue: f.TenantID}},
		payloadSourceID:   {Kind: &qdrant.Value_StringValue{StringValue: f.SourceID}},
		payloadKind:       {Kind: &qdrant.Value_StringValue{StringValue: string(f.Kind)}},
		payloadSequence:   {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(f.SequenceIndex)}},
		payloadCreatedAt:  {Kind: &qdrant.Value_StringValue{StringValue: f.CreatedAt.UTC().Format(time.RFC3339Nano)}},
		"text":            {Kind: &qdrant.Value_StringValue{StringValue: f.Text}},
	}
	for k, v := range f.Extra {
		payload[payloadExtra+k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
	}
	return payload
}

// payloadFragment rebuilds a fragment from a Qdrant payload.
func payloadFragment(payload map[string]*qdrant.Value) Fragment {
	var f Fragment
	for k, v := range payload {
		switch k {
		case payloadFragmentID:
			f.FragmentID = v.GetStringValue()
		case payloadTenantID:
			f.TenantID = v.GetStringValue()
		case payloadSourceID:
			f.SourceID = v.GetStringValue()
		case payloadKind:
			f.Kind = SourceKind(v.GetStringValue())
		case payloadSequence:
			f.SequenceIndex = int(v.GetIntegerValue())
		case payloadCreatedAt:
			if ts, err := time.Parse(time.RFC3339Nano, v.GetStringValue()); err == nil {
				f.CreatedAt = ts
			}
		case "text":
			f.Text = v.GetStringValue()
		default:
			if strings.HasPrefix(k, payloadExtra) {
				if f.Extra == nil {
					f.Extra = make(map[string]string)
				}
				f.Extra[strings.TrimPrefix(k, payloadExtra)] = v.GetStringValue()
			}
		}
	}
	return f
}

// mapQdrantError translates gRPC failures into the package's sentinel
// errors. Transient transport codes become ErrStorageUnavailable so callers
// can tell an unreachable backend from an empty result.
func mapQdrantError(op string, err error) error {
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
			return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
		case grpccodes.NotFound:
			return fmt.Errorf("%w: %s: %v", ErrNotFound, op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Ensure QdrantIndex implements Index.
var _ Index = (*QdrantIndex)(nil)
