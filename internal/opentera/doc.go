// Package opentera transfers staged wearable sessions to an OpenTera-style
// research server. Each session folder becomes a remote session with events
// derived from its log and one asset per file. Device tokens are kept in an
// age-encrypted store; failed transfers are retried per device on a bounded
// schedule.
package opentera
