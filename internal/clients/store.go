package clients

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

var (
	// ErrNotFound indicates an unknown client id.
	ErrNotFound = errors.New("client not found")

	// ErrInvalidInput indicates missing or malformed client fields.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicateEmail indicates the email is already registered.
	ErrDuplicateEmail = errors.New("email already registered")
)

var timeNow = time.Now

// Client is a tenant record.
type Client struct {
	ClientID  string
	Name      string
	Email     string
	Company   string
	Website   string
	Industry  string
	Notes     string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS clients (
	client_id  TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	email      TEXT NOT NULL UNIQUE,
	company    TEXT NOT NULL DEFAULT '',
	website    TEXT NOT NULL DEFAULT '',
	industry   TEXT NOT NULL DEFAULT '',
	notes      TEXT NOT NULL DEFAULT '',
	is_active  INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_clients_email ON clients(email);
`

// Store persists client records.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New creates a Store and applies the schema. The database handle is
// shared with the registry; Store does not own its lifecycle.
func New(db *sql.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("applying clients schema: %w", err)
	}
	return &Store{db: db, logger: logger.Named("clients")}, nil
}

// Create registers a new client and returns the stored record.
func (s *Store) Create(ctx context.Context, client Client) (Client, error) {
	client.Name = strings.TrimSpace(client.Name)
	client.Email = strings.TrimSpace(strings.ToLower(client.Email))
	if client.Name == "" {
		return Client{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if client.Email == "" || !strings.Contains(client.Email, "@") {
		return Client{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}

	client.ClientID = uuid.New().String()
	client.IsActive = true
	now := timeNow().UTC()
	client.CreatedAt = now
	client.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (client_id, name, email, company, website, industry, notes, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		client.ClientID, client.Name, client.Email, client.Company,
		client.Website, client.Industry, client.Notes,
		client.CreatedAt, client.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return Client{}, fmt.Errorf("%w: %s", ErrDuplicateEmail, client.Email)
		}
		return Client{}, fmt.Errorf("inserting client: %w", err)
	}

	s.logger.Info("created client", zap.String("client_id", client.ClientID))
	return client, nil
}

// Get returns the client with the given id.
func (s *Store) Get(ctx context.Context, clientID string) (Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, name, email, company, website, industry, notes, is_active, created_at, updated_at
		FROM clients WHERE client_id = ?`, clientID)
	return scanClient(row)
}

// Update replaces the mutable fields of an existing client.
func (s *Store) Update(ctx context.Context, client Client) (Client, error) {
	client.Name = strings.TrimSpace(client.Name)
	if client.Name == "" {
		return Client{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	client.UpdatedAt = timeNow().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE clients
		SET name = ?, company = ?, website = ?, industry = ?, notes = ?, is_active = ?, updated_at = ?
		WHERE client_id = ?`,
		client.Name, client.Company, client.Website, client.Industry,
		client.Notes, client.IsActive, client.UpdatedAt, client.ClientID)
	if err != nil {
		return Client{}, fmt.Errorf("updating client: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Client{}, fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		return Client{}, fmt.Errorf("%w: %s", ErrNotFound, client.ClientID)
	}
	return s.Get(ctx, client.ClientID)
}

// Delete removes a client record. The caller is responsible for deleting
// the tenant's indexed data first.
func (s *Store) Delete(ctx context.Context, clientID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("deleting client: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, clientID)
	}
	s.logger.Info("deleted client", zap.String("client_id", clientID))
	return nil
}

// List returns all clients, newest first.
func (s *Store) List(ctx context.Context) ([]Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, name, email, company, website, industry, notes, is_active, created_at, updated_at
		FROM clients ORDER BY created_at DESC, client_id`)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	defer rows.Close()

	var clients []Client
	for rows.Next() {
		client, err := scanClientRows(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	return clients, rows.Err()
}

// Exists reports whether an active client with the given id exists.
func (s *Store) Exists(ctx context.Context, clientID string) (bool, error) {
	if err := vectorstore.ValidateTenantID(clientID); err != nil {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM clients WHERE client_id = ? AND is_active = 1`, clientID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking client existence: %w", err)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row *sql.Row) (Client, error) {
	client, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Client{}, ErrNotFound
	}
	return client, err
}

func scanClientRows(rows *sql.Rows) (Client, error) {
	return scanRow(rows)
}

func scanRow(scanner rowScanner) (Client, error) {
	var client Client
	var createdAt, updatedAt sql.NullTime
	err := scanner.Scan(
		&client.ClientID, &client.Name, &client.Email, &client.Company,
		&client.Website, &client.Industry, &client.Notes, &client.IsActive,
		&createdAt, &updatedAt)
	if err != nil {
		return Client{}, err
	}
	if createdAt.Valid {
		client.CreatedAt = createdAt.Time.UTC()
	}
	if updatedAt.Valid {
		client.UpdatedAt = updatedAt.Time.UTC()
	}
	return client, nil
}
