// Package config loads, normalizes, and validates PiHub configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// PIHUB_SFTP_PASSWORD. The Config type centralizes every knob the daemon and
// CLI need: where staged data lives, which receivers run, and how the SFTP or
// OpenTera backend is reached.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, filled-in delays, and clear validation errors.
package config
