// Package clients stores tenant (client) records in sqlite.
//
// The HTTP layer checks Exists before calling the retrieval core; the core
// itself treats tenant ids as opaque and never re-validates existence.
package clients
