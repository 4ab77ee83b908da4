package domain

import "time"

// SendStatus enumerates the lifecycle of a single send request.
type SendStatus string

const (
	SendPending SendStatus = "pending"
	SendQueued  SendStatus = "queued"
	SendSent    SendStatus = "sent"
	SendFailed  SendStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s SendStatus) IsTerminal() bool {
	return s == SendSent || s == SendFailed
}

// CanTransition reports whether a request in status s may move to next.
// pending and queued are re-entrant so a manual "send now" can finish a
// request that is still waiting in the queue.
func (s SendStatus) CanTransition(next SendStatus) bool {
	switch s {
	case SendPending:
		return next == SendQueued || next == SendSent || next == SendFailed
	case SendQueued:
		return next == SendQueued || next == SendSent || next == SendFailed
	}
	return false
}

// SendRequest is the scheduled unit of work that delivers one step to one
// recipient. The recipient may not exist in the subscriber store, so the raw
// email is always carried.
type SendRequest struct {
	ID           string            `json:"id" db:"id"`
	OwnerID      string            `json:"owner_id" db:"owner_id"`
	CampaignID   string            `json:"campaign_id" db:"campaign_id"`
	StepID       string            `json:"step_id" db:"step_id"`
	SubscriberID *string           `json:"subscriber_id,omitempty" db:"subscriber_id"`
	Email        string            `json:"email" db:"email"`
	Variables    map[string]string `json:"variables" db:"variables"`
	Status       SendStatus        `json:"status" db:"status"`
	ScheduledFor time.Time         `json:"scheduled_for" db:"scheduled_for"`
	SentAt       *time.Time        `json:"sent_at,omitempty" db:"sent_at"`
	ErrorMessage string            `json:"error_message,omitempty" db:"error_message"`

	// TrackingID is the id of the sent ledger entry written for this
	// request. A retry carries it forward so the entry is reused.
	TrackingID string `json:"tracking_id,omitempty" db:"tracking_id"`

	// IsTest marks owner preview sends: no guards, no ledger, no continuation.
	IsTest bool `json:"is_test" db:"is_test"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsDue reports whether the request should fire at or before now.
func (r *SendRequest) IsDue(now time.Time) bool {
	return !r.ScheduledFor.After(now)
}

// EmailMessage is the fully-resolved message handed to the mail transport.
// By the time a message reaches this struct, substitution, tracking
// injection and header generation are complete.
type EmailMessage struct {
	ID          string            `json:"id"`
	TrackingID  string            `json:"tracking_id"`
	CampaignID  string            `json:"campaign_id"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Bcc         []string          `json:"bcc,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Subject     string            `json:"subject"`
	HTMLContent string            `json:"html_content"`
	TextContent string            `json:"text_content"`
	Headers     map[string]string `json:"headers,omitempty"`
}
