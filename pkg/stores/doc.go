// Package stores persists installation run history. It provides a
// SQLite-backed store with WAL mode and embedded schema migrations for
// runs, per-phase results, events, and audit entries.
package stores
