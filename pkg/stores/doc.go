// Package stores persists the run journal: runs, per-stack results and
// engine events, in SQLite with WAL mode and embedded migrations.
package stores
