// Package main hosts the PiHub CLI entrypoint and command graph.
//
// The Cobra command tree runs the gateway in the foreground, manages the
// detached daemon process, and talks to the running daemon over its HTTP
// control API for status, sync requests, transfer history and test
// notifications. Token and configuration commands work directly on the
// state directory so they are usable while the daemon is down.
//
// Keep this package lean: behaviour lives in the internal packages and is
// surfaced here through dedicated commands or flags.
package main
