// Package counters keeps the per-campaign aggregates consistent with the
// ledger.
//
// Every ledger append bumps exactly one counter through a single atomic
// "col = col + 1" update. Recompute rebuilds all six counters from a full
// ledger scan and overwrites the cached values; running it repeatedly
// converges on the same result.
package counters
