// Package ledger records delivery lifecycle facts.
//
// The ledger is append-only and is the source of truth for every campaign
// aggregate. The id of a "sent" entry doubles as the tracking token carried
// by the outgoing message, so tracking lookups resolve through (id, sent).
//
// Every append is handed to a Projector so the campaign counters stay in
// step with the ledger.
package ledger
