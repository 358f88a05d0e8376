// Package store persists run traces in SQLite.
//
// A run opens a Session; the session records every dispatch outcome and
// every refresh rate decision so the trace command can replay what happened
// after the process exits. All reads order by seq, the insertion counter,
// never by timestamp.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
//
// Decision payloads are canonical JSON (internal/canonical) and carry a
// domain-separated SHA-256 so identical decisions compare equal across runs.
package store
