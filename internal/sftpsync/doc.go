// Package sftpsync forwards staged data to an SFTP archive.
//
// Upload is the transfer engine: it mirrors local files into remote
// directories, skips files whose remote size already matches, copies the
// rest while reporting progress, and stamps the remote mtime with the local
// one. Backend plugs the engine into the scheduler: each debounced sync
// collects everything under ToProcess, validates session folders, uploads,
// moves confirmed files to Processed, and reschedules the whole batch when
// the transport fails.
package sftpsync
