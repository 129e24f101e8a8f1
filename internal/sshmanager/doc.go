// Package sshmanager manages SSH connections to configured servers.
//
// A [Manager] keeps at most one live [Connection] per server. Each
// connection owns a [Session] (the x/crypto/ssh client plus its timeout) and
// a private command queue served by one worker goroutine.
//
// # Connection Lifecycle
//
//  1. Connect: [Manager.Connect] returns the live connection when there is
//     one. Otherwise it resolves the server's credentials through a
//     [CredentialSource], authenticates and registers the new connection.
//     Concurrent calls for one server share a single attempt.
//
//  2. Execution: [Manager.Execute], [Manager.ListDirectory], [Manager.Upload]
//     and [Manager.Download] go through the connection's queue, so one
//     connection runs one command at a time in submission order while
//     different connections run in parallel. A command that outlives the
//     command timeout fails with a [*CommandError] whose Reason is "timeout".
//     Transfers apply the same timeout to periods without progress and can
//     be listed with [Manager.ActiveTransfers] and stopped with
//     [Manager.CancelTransfer].
//
//  3. Network changes: [Manager.HandleNetworkUnavailable] marks every live
//     connection disconnected and [Manager.HandleNetworkAvailable] moves them
//     to reconnecting. Reconnection is lazy: the next Connect for the server
//     replaces the stale entry. [Manager.Reconnect] retries Connect with
//     exponential backoff for callers that want to wait for the host.
//
//     [Manager.StreamFile], [Manager.OpenTerminal] and [Manager.Forward] hold
//     their own channel for as long as they run and so bypass the queue.
//     Tunnels are closed together with their connection.
//
//  4. Disconnect: [Manager.Disconnect] closes the session and drops the
//     connection and its queue. It is idempotent.
//
// # Events
//
// Every lifecycle transition and executed command produces a
// [ConnectionEvent]. Events are logged with the [ssh] prefix, kept in a
// per-server ring buffer of the last 100 and delivered to listeners
// registered with [Manager.OnEvent]. Details never contain secrets.
//
// # Errors
//
// Failures are returned to the caller and match the package sentinels with
// errors.Is: [ErrCredentialsNotFound], [ErrAuthenticationFailed],
// [ErrNotConnected], [ErrCommandFailed], [ErrNetwork], [ErrInternal],
// [ErrRateLimited] and [ErrHostNotAllowed].
package sshmanager
