// Package preflight provides readiness checks for the network, the remote
// backends and the filesystem paths PiHub depends on.
//
// These checks run in two contexts:
//   - The sync backends consult a Probe before every transfer. When the probe
//     reports offline, the attempt is rescheduled instead of failing.
//   - The CLI "pihub status" command and the daemon status API use RunAll to
//     display gateway health.
//
// Each check is gated by its config toggle; disabled features are skipped.
package preflight
