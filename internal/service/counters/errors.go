package counters

import "errors"

// Sentinel errors for the counter projector.
var (
	ErrUnknownEvent     = errors.New("no counter for event type")
	ErrCampaignNotFound = errors.New("campaign not found")
)
