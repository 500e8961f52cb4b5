// Package logging builds the process-wide zap logger.
//
// Components receive *zap.Logger directly and derive named children.
// ContextFields extracts trace and request correlation fields so HTTP
// handlers can log with the active span's ids.
package logging
