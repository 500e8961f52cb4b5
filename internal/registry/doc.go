// Package registry tracks which fragments belong to which source document.
//
// The registry is the authoritative manifest for deletion and reindexing:
// the vector index alone cannot enumerate a source's fragments, so every
// ingestion records its fragment ids here. Manifest mutations happen in
// single transactions; a crash between an index write and a manifest write
// leaves an orphaned-but-harmless manifest entry, never an unreachable
// vector that a manifest no longer covers.
package registry
