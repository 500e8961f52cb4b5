// Package retriever composes the chunker, embedding provider, vector index,
// and document registry into the tenant-scoped ingestion and query core.
//
// Compound operations (ingest, delete, reindex) hold a per-source lock and
// are ordered so a crash at any point leaves at worst an orphaned manifest
// entry, never unreachable vectors. Embedding happens before any index
// write, so an embedder failure mid-ingest leaves the index untouched.
package retriever
