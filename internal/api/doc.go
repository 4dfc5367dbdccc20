// Package api defines the wire-format types of the daemon control API and a
// client for it. The daemon serves these payloads over HTTP; the pihub CLI
// renders them without importing daemon internals.
//
// # Key Types
//
// DaemonStatus: receivers, active backend, per-device state and stage counts.
//
// DeviceStatus: one device merged from the connection tracker, the staging
// area and the session backend registry (see MergeDevices).
//
// Transfer/HistoryResponse: ledger rows, newest first.
//
// # Design Notes
//
// DTOs use camelCase JSON tags. Timestamps use RFC3339 with milliseconds in
// UTC and the zero time is omitted.
package api
