package ledger

import "errors"

// Sentinel errors for the ledger service layer.
var (
	ErrTrackingIDNotFound = errors.New("tracking id not found")
	ErrInvalidEvent       = errors.New("invalid ledger event")
)
