// Package sending executes send requests.
//
// The Dispatcher owns every send request transition. It prefers the
// background task queue and falls back to inline execution when the broker
// is unreachable or the deployment prefers synchronous delivery. A delivery
// writes the "sent" ledger entry, builds the tracked message, hands it to the
// Transport and, on success, asks the sequencer for the next step.
//
// Collaborators (mail transport, task queue, recipient directory, owner
// profiles) are consumed through the narrow interfaces in interfaces.go.
package sending
