// Package storage is the persistence layer of reportd.
//
// One SQL implementation serves both SQLite and PostgreSQL:
//   - report templates (cascading to scheduled entries on delete)
//   - scheduled entries and their transient claims
//   - the append-only version history
//   - the cycle audit log
//   - delivery dedup state (to survive restarts)
//
// Queries are written with '?' placeholders and rebound per dialect.
// Timestamps are stored as unix milliseconds.
package storage
