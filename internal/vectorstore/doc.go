// Package vectorstore provides tenant-isolated vector index implementations.
//
// The Index interface stores pre-embedded text fragments and answers
// nearest-neighbor queries scoped to a single tenant. Two implementations are
// provided:
//
//   - ChromemIndex: embedded chromem-go database (default). Isolation is
//     structural: every tenant gets its own collection, so a query can never
//     touch another tenant's vectors.
//
//   - QdrantIndex: external Qdrant server over gRPC. All tenants share one
//     collection; every operation carries a mandatory tenant_id payload
//     filter built from the method argument, never from caller input.
//
// Tenant isolation is a hard invariant in both modes: a search for tenant A
// never returns fragments of tenant B regardless of vector similarity, and a
// delete for tenant A cannot remove tenant B's fragments.
//
// Fragments are immutable once written. Upsert is idempotent by FragmentID
// and delete of a missing FragmentID is a no-op, which makes compound
// operations (reindex, rollback) safe to repeat.
package vectorstore
