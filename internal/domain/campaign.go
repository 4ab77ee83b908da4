package domain

import (
	"sort"
	"time"
)

// Campaign is a drip sequence owned by a single user. The six counters are a
// cache of the ledger and are only ever written by the counter projector.
type Campaign struct {
	ID      string `json:"id" db:"id"`
	OwnerID string `json:"owner_id" db:"owner_id"`
	ListID  string `json:"list_id" db:"list_id"`
	Name    string `json:"name" db:"name"`
	Active  bool   `json:"active" db:"active"`
	Steps   []Step `json:"steps,omitempty"`

	Counters

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Counters holds the per-campaign aggregates derived from the ledger.
type Counters struct {
	SentCount        int64 `json:"sent_count" db:"sent_count"`
	OpenCount        int64 `json:"open_count" db:"open_count"`
	ClickCount       int64 `json:"click_count" db:"click_count"`
	BounceCount      int64 `json:"bounce_count" db:"bounce_count"`
	UnsubscribeCount int64 `json:"unsubscribe_count" db:"unsubscribe_count"`
	ComplaintCount   int64 `json:"complaint_count" db:"complaint_count"`
}

// Get returns the counter matching an event type.
func (c Counters) Get(t EventType) int64 {
	switch t {
	case EventSent:
		return c.SentCount
	case EventOpened:
		return c.OpenCount
	case EventClicked:
		return c.ClickCount
	case EventBounced:
		return c.BounceCount
	case EventUnsubscribed:
		return c.UnsubscribeCount
	case EventComplained:
		return c.ComplaintCount
	}
	return 0
}

// Add increments the counter matching an event type by n.
func (c *Counters) Add(t EventType, n int64) {
	switch t {
	case EventSent:
		c.SentCount += n
	case EventOpened:
		c.OpenCount += n
	case EventClicked:
		c.ClickCount += n
	case EventBounced:
		c.BounceCount += n
	case EventUnsubscribed:
		c.UnsubscribeCount += n
	case EventComplained:
		c.ComplaintCount += n
	}
}

// WaitUnit is the unit a step's wait time is expressed in.
type WaitUnit string

const (
	WaitSeconds WaitUnit = "seconds"
	WaitMinutes WaitUnit = "minutes"
	WaitHours   WaitUnit = "hours"
	WaitDays    WaitUnit = "days"
	WaitWeeks   WaitUnit = "weeks"
	WaitMonths  WaitUnit = "months"
)

// Duration returns the length of one unit. Months are approximated as 30 days.
// Unknown units fall back to seconds.
func (u WaitUnit) Duration() time.Duration {
	switch u {
	case WaitMinutes:
		return time.Minute
	case WaitHours:
		return time.Hour
	case WaitDays:
		return 24 * time.Hour
	case WaitWeeks:
		return 7 * 24 * time.Hour
	case WaitMonths:
		return 30 * 24 * time.Hour
	default:
		return time.Second
	}
}

// Step is a single email within a campaign's ordered sequence.
type Step struct {
	ID          string   `json:"id" db:"id"`
	CampaignID  string   `json:"campaign_id" db:"campaign_id"`
	Subject     string   `json:"subject" db:"subject"`
	HTMLContent string   `json:"html_content" db:"html_content"`
	TextContent string   `json:"text_content" db:"text_content"`
	Order       int      `json:"order" db:"step_order"`
	WaitTime    int      `json:"wait_time" db:"wait_time"`
	WaitUnit    WaitUnit `json:"wait_unit" db:"wait_unit"`
	FooterID    *string  `json:"footer_id,omitempty" db:"footer_id"`

	// FooterHTML is resolved from FooterID by the repository.
	FooterHTML string `json:"footer_html,omitempty" db:"footer_html"`
}

// Wait returns the delay between completion of the previous step and this one.
func (s Step) Wait() time.Duration {
	if s.WaitTime <= 0 {
		return 0
	}
	return time.Duration(s.WaitTime) * s.WaitUnit.Duration()
}

// FirstStep returns the step with the lowest order, or nil for an empty sequence.
func FirstStep(steps []Step) *Step {
	var first *Step
	for i := range steps {
		if first == nil || steps[i].Order < first.Order {
			first = &steps[i]
		}
	}
	return first
}

// NextStep returns the step with the smallest order strictly greater than
// order, or nil when the sequence has ended.
func NextStep(steps []Step, order int) *Step {
	var next *Step
	for i := range steps {
		if steps[i].Order <= order {
			continue
		}
		if next == nil || steps[i].Order < next.Order {
			next = &steps[i]
		}
	}
	return next
}

// SortSteps orders steps by ascending order, keeping ties stable.
func SortSteps(steps []Step) {
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
}
