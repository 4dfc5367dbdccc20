// Package notifications delivers operator alerts via ntfy.
//
// The default implementation publishes to the topic configured in
// config.toml and degrades to a no-op when no topic is set. Transfer
// milestones and error alerts have separate toggles so a noisy site can keep
// only the conditions that need a human: exhausted retries, remote
// configuration problems, and rejected datasets.
package notifications
