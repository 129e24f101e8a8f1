// Package sshaudit keeps a persistent audit trail of SSH connection events.
//
// An [Auditor] subscribes to a connection manager with [Auditor.Attach] and
// writes one database.SSHAuditLog row per event: connects, failed connects,
// disconnects, network loss, reconnects and executed commands. Each row
// carries the connection ID, server ID and name, event type, details and
// timestamp. Details come from the manager and never contain credentials.
//
// # Querying
//
// [Auditor.Query] filters by server, event type and time range and returns
// entries newest first with pagination (default 50, max 1000 per page).
//
// # Retention
//
// [Auditor.PurgeOlderThan] deletes entries past the retention period
// (default [DefaultRetentionDays]). [Auditor.SchedulePurge] runs it on a cron
// schedule.
package sshaudit
