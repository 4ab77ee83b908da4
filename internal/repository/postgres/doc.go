// Package postgres implements the engine's repositories on PostgreSQL via
// database/sql and lib/pq. Counter updates are single-statement atomic
// increments and ledger dedupe relies on the partial unique index on
// drip_ledger (see migrations/).
package postgres
