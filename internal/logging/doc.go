// Package logging assembles the slog loggers used across PiHub.
//
// It owns the console and JSON handlers, level and output plumbing, and the
// attribute helpers that keep warning and error lines carrying an event type,
// a hint, and an impact. Context helpers tag lines with the device and the
// request correlation id so ingest, scheduler, and backend logs can be joined.
//
// Tests and wiring code that cannot fail should use NewNop.
package logging
