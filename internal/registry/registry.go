package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

// Sentinel errors for registry operations.
var (
	// ErrNotFound is returned when a source does not exist.
	ErrNotFound = errors.New("source not found")

	// ErrInvalidInput indicates invalid source attributes.
	ErrInvalidInput = errors.New("invalid input")
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// Source is a registered document with its fragment manifest.
type Source struct {
	// SourceID uniquely identifies the source (UUID).
	SourceID string

	// TenantID is the owning tenant.
	TenantID string

	// Kind is the source kind.
	Kind vectorstore.SourceKind

	// Title is a human-readable label (URL, filename or note title).
	Title string

	// FragmentIDs is the ordered manifest of fragment ids in the index.
	FragmentIDs []string

	// IsIndexed reports whether the manifest has been attached after the
	// index write completed.
	IsIndexed bool

	// CreatedAt is the registration timestamp.
	CreatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS sources (
	source_id  TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	title      TEXT NOT NULL,
	is_indexed INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sources_tenant ON sources(tenant_id);

CREATE TABLE IF NOT EXISTS manifests (
	fragment_id TEXT PRIMARY KEY,
	source_id   TEXT NOT NULL REFERENCES sources(source_id) ON DELETE CASCADE,
	position    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_manifests_source ON manifests(source_id);
`

// OpenDB opens the corpusd metadata database at the given directory with WAL
// mode and foreign keys enabled. An empty dataDir defaults to
// ~/.config/corpusd/data.
func OpenDB(dataDir string) (*sql.DB, error) {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".config", "corpusd", "data")
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "metadata.db")

	// foreign_keys goes in the DSN so every pooled connection enforces it,
	// not just the one that happens to run a PRAGMA statement.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite serializes writers, and a deferred transaction that has taken
	// a read snapshot cannot upgrade its lock while another connection
	// writes. A single pooled connection keeps concurrent callers queued
	// in the pool instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	return db, nil
}

// storageErr maps SQLITE_BUSY, which can still surface when another
// process holds the database file, to ErrStorageUnavailable so callers
// see an error kind instead of a driver string.
func storageErr(err error) error {
	var serr *sqlite.Error
	if errors.As(err, &serr) && serr.Code()&0xff == sqlite3.SQLITE_BUSY {
		return fmt.Errorf("%w: %v", vectorstore.ErrStorageUnavailable, err)
	}
	return err
}

// Registry is the sqlite-backed source manifest store.
type Registry struct {
	db     *sql.DB
	logger *zap.Logger
}

// New creates a Registry on the given database, applying its schema.
func New(db *sql.DB, logger *zap.Logger) (*Registry, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: database is required", ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("applying registry schema: %w", err)
	}

	return &Registry{db: db, logger: logger}, nil
}

// RegisterSource creates a new source record with an empty manifest.
func (r *Registry) RegisterSource(ctx context.Context, tenantID string, kind vectorstore.SourceKind, title string) (Source, error) {
	if err := vectorstore.ValidateTenantID(tenantID); err != nil {
		return Source{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !kind.Valid() {
		return Source{}, fmt.Errorf("%w: unknown source kind %q", ErrInvalidInput, kind)
	}
	if title == "" {
		return Source{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}

	source := Source{
		SourceID:  uuid.New().String(),
		TenantID:  tenantID,
		Kind:      kind,
		Title:     title,
		CreatedAt: timeNow().UTC(),
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sources (source_id, tenant_id, kind, title, is_indexed, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`, source.SourceID, source.TenantID, string(source.Kind), source.Title, source.CreatedAt)
	if err != nil {
		return Source{}, storageErr(fmt.Errorf("registering source: %w", err))
	}

	r.logger.Debug("registered source",
		zap.String("source_id", source.SourceID),
		zap.String("tenant_id", tenantID),
		zap.String("kind", string(kind)),
	)
	return source, nil
}

// AttachFragments records the source's fragment manifest in one transaction
// and marks the source as indexed. It is called once per ingestion, after
// the index write succeeded.
func (r *Registry) AttachFragments(ctx context.Context, sourceID string, fragmentIDs []string) error {
	return storageErr(r.attachFragments(ctx, sourceID, fragmentIDs))
}

func (r *Registry) attachFragments(ctx context.Context, sourceID string, fragmentIDs []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := sourceExists(ctx, tx, sourceID); err != nil {
		return err
	}
	if err := insertManifest(ctx, tx, sourceID, fragmentIDs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE sources SET is_indexed = 1 WHERE source_id = ?", sourceID); err != nil {
		return fmt.Errorf("marking source indexed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ReplaceFragments swaps the source's manifest for a new one in a single
// transaction. Used by reindexing: the source id survives, the fragment ids
// do not.
func (r *Registry) ReplaceFragments(ctx context.Context, sourceID string, fragmentIDs []string) error {
	return storageErr(r.replaceFragments(ctx, sourceID, fragmentIDs))
}

func (r *Registry) replaceFragments(ctx context.Context, sourceID string, fragmentIDs []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := sourceExists(ctx, tx, sourceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM manifests WHERE source_id = ?", sourceID); err != nil {
		return fmt.Errorf("clearing manifest: %w", err)
	}
	if err := insertManifest(ctx, tx, sourceID, fragmentIDs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE sources SET is_indexed = 1 WHERE source_id = ?", sourceID); err != nil {
		return fmt.Errorf("marking source indexed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetSource retrieves a source with its ordered manifest.
func (r *Registry) GetSource(ctx context.Context, sourceID string) (Source, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT source_id, tenant_id, kind, title, is_indexed, created_at
		FROM sources WHERE source_id = ?
	`, sourceID)

	source, err := scanSource(row)
	if err != nil {
		return Source{}, err
	}

	source.FragmentIDs, err = r.manifestFor(ctx, sourceID)
	if err != nil {
		return Source{}, err
	}
	return source, nil
}

// DeleteSource removes the source row and its manifest in one transaction.
func (r *Registry) DeleteSource(ctx context.Context, sourceID string) error {
	return storageErr(r.deleteSource(ctx, sourceID))
}

func (r *Registry) deleteSource(ctx context.Context, sourceID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := sourceExists(ctx, tx, sourceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM manifests WHERE source_id = ?", sourceID); err != nil {
		return fmt.Errorf("deleting manifest: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sources WHERE source_id = ?", sourceID); err != nil {
		return fmt.Errorf("deleting source: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	r.logger.Debug("deleted source", zap.String("source_id", sourceID))
	return nil
}

// ListSources returns the tenant's sources, newest first, with manifests.
func (r *Registry) ListSources(ctx context.Context, tenantID string) ([]Source, error) {
	if err := vectorstore.ValidateTenantID(tenantID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT source_id, tenant_id, kind, title, is_indexed, created_at
		FROM sources WHERE tenant_id = ?
		ORDER BY created_at DESC, source_id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying sources: %w", err)
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		source, err := scanSourceRows(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sources: %w", err)
	}

	// Load all manifests for the tenant in one pass.
	manifests, err := r.manifestsForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for i := range sources {
		sources[i].FragmentIDs = manifests[sources[i].SourceID]
	}
	return sources, nil
}

// ListFragments returns the source's ordered fragment ids.
func (r *Registry) ListFragments(ctx context.Context, sourceID string) ([]string, error) {
	row := r.db.QueryRowContext(ctx, "SELECT 1 FROM sources WHERE source_id = ?", sourceID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("checking source: %w", err)
	}
	return r.manifestFor(ctx, sourceID)
}

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sourceExists(ctx context.Context, q execer, sourceID string) error {
	var one int
	if err := q.QueryRowContext(ctx, "SELECT 1 FROM sources WHERE source_id = ?", sourceID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("checking source: %w", err)
	}
	return nil
}

func insertManifest(ctx context.Context, tx *sql.Tx, sourceID string, fragmentIDs []string) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO manifests (fragment_id, source_id, position)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for i, id := range fragmentIDs {
		if id == "" {
			return fmt.Errorf("%w: empty fragment id at position %d", ErrInvalidInput, i)
		}
		if _, err := stmt.ExecContext(ctx, id, sourceID, i); err != nil {
			return fmt.Errorf("inserting manifest entry: %w", err)
		}
	}
	return nil
}

func (r *Registry) manifestFor(ctx context.Context, sourceID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT fragment_id FROM manifests WHERE source_id = ? ORDER BY position
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("querying manifest: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning manifest entry: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating manifest: %w", err)
	}
	return ids, nil
}

func (r *Registry) manifestsForTenant(ctx context.Context, tenantID string) (map[string][]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.source_id, m.fragment_id
		FROM manifests m
		JOIN sources s ON s.source_id = m.source_id
		WHERE s.tenant_id = ?
		ORDER BY m.source_id, m.position
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying manifests: %w", err)
	}
	defer rows.Close()

	manifests := make(map[string][]string)
	for rows.Next() {
		var sourceID, fragmentID string
		if err := rows.Scan(&sourceID, &fragmentID); err != nil {
			return nil, fmt.Errorf("scanning manifest entry: %w", err)
		}
		manifests[sourceID] = append(manifests[sourceID], fragmentID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating manifests: %w", err)
	}
	return manifests, nil
}

func scanSource(row *sql.Row) (Source, error) {
	var source Source
	var kind string
	var indexed int
	var createdAt sql.NullTime
	if err := row.Scan(&source.SourceID, &source.TenantID, &kind, &source.Title, &indexed, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Source{}, ErrNotFound
		}
		return Source{}, fmt.Errorf("scanning source: %w", err)
	}
	source.Kind = vectorstore.SourceKind(kind)
	source.IsIndexed = indexed != 0
	if createdAt.Valid {
		source.CreatedAt = createdAt.Time
	}
	return source, nil
}

func scanSourceRows(rows *sql.Rows) (Source, error) {
	var source Source
	var kind string
	var indexed int
	var createdAt sql.NullTime
	if err := rows.Scan(&source.SourceID, &source.TenantID, &kind, &source.Title, &indexed, &createdAt); err != nil {
		return Source{}, fmt.Errorf("scanning source: %w", err)
	}
	source.Kind = vectorstore.SourceKind(kind)
	source.IsIndexed = indexed != 0
	if createdAt.Valid {
		source.CreatedAt = createdAt.Time
	}
	return source, nil
}
