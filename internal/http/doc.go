// Package http provides the corpusd HTTP API.
//
// It exposes the retrieval core (ingest, query, delete, reindex), client
// CRUD, a health check, and the Prometheus metrics endpoint. The handlers
// verify client existence before touching the core; the core itself
// treats tenant ids as opaque.
package http
