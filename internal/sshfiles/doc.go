// Package sshfiles turns remote directory listings into structured entries
// and moves files over SFTP.
//
// # Listings
//
// [ListCommand] builds the long-format listing command for a path and
// [ParseListing] parses its output. Parsing is total: lines that do not look
// like listing entries (the "total" header, blank lines, error text) are
// skipped rather than reported. The "." and ".." entries are dropped.
//
// Modification times are read from the month/day/time-or-year columns. Entries
// from the last six months carry a clock time and no year; the year is inferred
// so the time is not in the future. Times are interpreted as UTC because the
// remote time zone is unknown.
//
// # Transfers
//
// [Upload] and [Download] copy a single file over the sftp subsystem of an
// existing *ssh.Client and report the result as a [Transfer]. Each copy gets
// a session of its own; it is torn down when the context ends or when no data
// moves for [Options.IdleTimeout], and the copy fails with the context error
// or [ErrTransferStalled]. [Options.OnProgress] sees every chunk. Callers are
// expected to serialize transfers with other commands on the same connection.
//
// # Log Prefixes
//
// All operations log at the [sshfiles] prefix.
package sshfiles
