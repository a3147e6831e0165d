// Package storage persists schedules, cohorts, questions and invites.
//
// Drivers:
//   - "memory": in-process maps, lost on restart
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL via pgxpool
//
// Every driver enforces at most one invite per (tenant, user, rotation week).
package storage
