// Package logs reads the daemon's current log file for the pihub logs command.
//
// Last returns the trailing lines of the file together with the byte offset
// that follow-mode readers resume from. Follow streams lines appended after
// that offset, waking on fsnotify write events rather than polling, and
// restarts from the top when the file is truncated or the pointer is moved
// to a new run's log. Filter narrows lines to a single device in any of the
// forms the log handlers write it: component[device], device=name, or the
// JSON device field.
package logs
