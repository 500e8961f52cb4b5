package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
)

// Sentinel errors for index operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrStorageUnavailable indicates the backing store cannot be reached.
	// Callers must never interpret it as an empty result.
	ErrStorageUnavailable = errors.New("vector storage unavailable")

	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMissingTenant is returned when an operation is attempted without a
	// tenant id. Fail-closed: no operation ever falls back to a global scope.
	ErrMissingTenant = errors.New("tenant id required")

	// ErrInvalidTenantID indicates tenant id validation failure.
	ErrInvalidTenantID = errors.New("invalid tenant id")

	// ErrInvalidFragment indicates a fragment that cannot be indexed.
	ErrInvalidFragment = errors.New("invalid fragment")

	// ErrConnectionFailed indicates gRPC connection issues.
	ErrConnectionFailed = errors.New("failed to connect to Qdrant")
)

// tenantIDPattern validates tenant ids before they are used as partition
// keys. Rejects empty strings, path separators and whitespace.
var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateTenantID validates a tenant id against the partition key rules.
func ValidateTenantID(tenantID string) error {
	if tenantID == "" {
		return ErrMissingTenant
	}
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("%w: must match ^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$, got %q", ErrInvalidTenantID, tenantID)
	}
	return nil
}

// Index is the interface for tenant-isolated vector storage.
//
// Implementations must guarantee that Search, Delete and Count only ever see
// fragments belonging to the given tenant, and must be safe for concurrent
// use across and within tenants.
type Index interface {
	// Upsert inserts fragments, replacing any existing fragment with the
	// same FragmentID. Fragments may span multiple tenants. Vectors must be
	// pre-computed; the index never embeds text itself.
	Upsert(ctx context.Context, fragments []Fragment) error

	// Search returns up to k fragments of the given tenant nearest to the
	// query vector, ordered by score descending with deterministic
	// tie-breaks (CreatedAt descending, then FragmentID ascending).
	// k == 0 returns an empty result and no error.
	Search(ctx context.Context, tenantID string, vector []float32, k int) ([]Match, error)

	// Delete removes the given fragment ids from the tenant's partition.
	// Ids that do not exist are ignored.
	Delete(ctx context.Context, tenantID string, ids []string) error

	// Count returns the number of fragments stored for the tenant.
	Count(ctx context.Context, tenantID string) (uint64, error)

	// Close releases backend resources.
	Close() error
}

// validateFragments checks a batch before any of it is written.
func validateFragments(fragments []Fragment, vectorSize int) error {
	for i, f := range fragments {
		if f.FragmentID == "" {
			return fmt.Errorf("%w: fragment at index %d has no id", ErrInvalidFragment, i)
		}
		if err := ValidateTenantID(f.TenantID); err != nil {
			return fmt.Errorf("%w: fragment %s: %v", ErrInvalidFragment, f.FragmentID, err)
		}
		if len(f.Vector) == 0 {
			return fmt.Errorf("%w: fragment %s has no vector", ErrInvalidFragment, f.FragmentID)
		}
		if vectorSize > 0 && len(f.Vector) != vectorSize {
			return fmt.Errorf("%w: fragment %s has vector size %d, index expects %d",
				ErrInvalidFragment, f.FragmentID, len(f.Vector), vectorSize)
		}
	}
	return nil
}

// rankMatches orders matches by score descending, CreatedAt descending,
// FragmentID ascending. Backends apply it after converting results so
// equal-score orderings do not depend on backend internals.
func rankMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if !matches[i].Fragment.CreatedAt.Equal(matches[j].Fragment.CreatedAt) {
			return matches[i].Fragment.CreatedAt.After(matches[j].Fragment.CreatedAt)
		}
		return matches[i].Fragment.FragmentID < matches[j].Fragment.FragmentID
	})
}
