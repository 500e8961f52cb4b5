// Package embeddings provides embedding generation via multiple providers.
//
// Two providers are supported:
//
//   - FastEmbed: local ONNX inference via fastembed-go. Requires CGO; builds
//     without CGO get a stub that returns ErrFastEmbedNotAvailable.
//   - TEI: any HTTP server implementing the text-embeddings-inference embed
//     API.
//
// Providers return ErrEmbeddingUnavailable when the backend fails, so
// callers can distinguish an unreachable embedder from bad input.
package embeddings
