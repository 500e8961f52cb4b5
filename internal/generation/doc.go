// Package generation wraps the external text-generation capability.
//
// The core never depends on a concrete model. Callers hold a Generator and
// receive ErrGenerationFailed when the backend cannot produce text, which
// the answer composer turns into a degraded response instead of a failure.
package generation
