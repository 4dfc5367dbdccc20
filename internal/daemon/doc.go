// Package daemon coordinates the long-running PiHub process.
//
// It wires configuration, the staging area, the connection tracker and the
// selected sync backend (SFTP archive or session server) behind the sensor
// and wearable receivers, with flock-based locking to prevent multiple
// instances. Listeners run in one errgroup so a fatal listener error stops
// the whole daemon. The package also serves the bearer-protected control
// API used by the pihub CLI and watches udev netlink events to resync when
// the uplink comes back.
//
// Keep orchestration logic here: transfer and ingest behaviour lives in
// their own packages while the daemon focuses on startup, shutdown and high
// level coordination.
package daemon
