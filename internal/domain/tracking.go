package domain

import "time"

// EventType enumerates delivery lifecycle facts recorded in the ledger.
type EventType string

const (
	EventSent         EventType = "sent"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventBounced      EventType = "bounced"
	EventComplained   EventType = "complained"
	EventUnsubscribed EventType = "unsubscribed"
)

// EventTypes lists every ledger event type.
var EventTypes = []EventType{
	EventSent, EventOpened, EventClicked, EventBounced, EventComplained, EventUnsubscribed,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// LedgerEntry is an immutable fact about a delivery. The id of a sent entry
// is also the tracking token embedded in the outgoing message, so it must be
// a random, globally unique value.
type LedgerEntry struct {
	ID         string    `json:"id" db:"id"`
	CampaignID string    `json:"campaign_id" db:"campaign_id"`
	StepID     string    `json:"step_id" db:"step_id"`
	Email      string    `json:"email" db:"email"`
	EventType  EventType `json:"event_type" db:"event_type"`
	LinkURL    string    `json:"link_url,omitempty" db:"link_url"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
