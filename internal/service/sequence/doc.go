// Package sequence decides when a recipient enters a drip campaign and when
// the next step fires.
//
// Sequence entry and continuation are the same operation,
// TryEnterOrContinue, guarded by a lock on (campaign, step, email) and a
// ledger check, so concurrent triggers for one recipient cannot both win.
package sequence
