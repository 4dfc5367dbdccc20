// Package ledger persists what the gateway has sent and where it went.
//
// Two tables live in one SQLite database under the state directory:
// transfers is an append-only history of sync attempts per device folder,
// and remote_sessions maps a staged session folder to the remote session
// created for it so a rerun after a partial failure reuses the session
// instead of creating a duplicate.
//
// The database is transient bookkeeping, not an archive. Schema changes bump
// schemaVersion; operators delete the database to adopt a new schema.
package ledger
