package tracking

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/service/ledger"
)

// TrackingTag is the SES message tag carrying the delivery's tracking id.
const TrackingTag = "tracking_id"

// SNSMessage is the envelope SNS posts to HTTP subscribers.
type SNSMessage struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

// sesNotification covers both SES notification formats: classic
// notifications use notificationType, configuration-set event publishing
// uses eventType.
type sesNotification struct {
	NotificationType string `json:"notificationType"`
	EventType        string `json:"eventType"`
	Mail             struct {
		MessageID   string              `json:"messageId"`
		Destination []string            `json:"destination"`
		Tags        map[string][]string `json:"tags"`
	} `json:"mail"`
	Bounce *struct {
		BounceType        string `json:"bounceType"`
		BouncedRecipients []struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"bouncedRecipients"`
	} `json:"bounce,omitempty"`
	Complaint *struct {
		ComplainedRecipients []struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"complainedRecipients"`
	} `json:"complaint,omitempty"`
}

func (n *sesNotification) kind() string {
	if n.NotificationType != "" {
		return n.NotificationType
	}
	return n.EventType
}

// SESWebhook turns SNS-wrapped SES bounce and complaint notifications into
// feedback entries.
type SESWebhook struct {
	feedback FeedbackHandler
	token    string
	confirm  func(ctx context.Context, subscribeURL string) error
}

// NewSESWebhook creates the webhook. When token is non-empty, requests must
// carry it as ?token=.
func NewSESWebhook(feedback FeedbackHandler, token string) *SESWebhook {
	client := &http.Client{Timeout: 10 * time.Second}
	return &SESWebhook{
		feedback: feedback,
		token:    token,
		confirm: func(ctx context.Context, subscribeURL string) error {
			return confirmSubscription(ctx, client, subscribeURL)
		},
	}
}

func (s *SESWebhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if s.token != "" && subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("token")), []byte(s.token)) != 1 {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, "Failed to read body", http.StatusBadRequest)
		return
	}

	var msg SNSMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}

	switch msg.Type {
	case "SubscriptionConfirmation":
		log.Info("ses subscription confirmation received", "topic", msg.TopicArn)
		if err := s.confirm(r.Context(), msg.SubscribeURL); err != nil {
			log.Error("confirm subscription failed", "topic", msg.TopicArn, "error", err)
			http.Error(rw, "confirmation failed", http.StatusBadGateway)
			return
		}
		rw.WriteHeader(http.StatusOK)
		return
	case "Notification", "":
	default:
		rw.WriteHeader(http.StatusOK)
		return
	}

	var n sesNotification
	if err := json.Unmarshal([]byte(msg.Message), &n); err != nil {
		log.Warn("parse ses notification failed", "sns_message_id", msg.MessageID, "error", err)
		rw.WriteHeader(http.StatusOK) // Still return 200 to prevent retries
		return
	}

	if err := s.apply(r.Context(), &n); err != nil {
		log.Error("apply ses notification failed", "ses_message_id", n.Mail.MessageID, "error", err)
		http.Error(rw, "could not process notification", http.StatusInternalServerError)
		return
	}
	rw.WriteHeader(http.StatusOK)
}

// apply records feedback for every affected recipient. The owner's BCC copy
// shares the tracking id but not the address, so its bounces resolve to
// ErrTrackingIDNotFound and are dropped.
func (s *SESWebhook) apply(ctx context.Context, n *sesNotification) error {
	var (
		event      domain.EventType
		recipients []string
	)
	switch n.kind() {
	case "Bounce":
		if n.Bounce == nil {
			return nil
		}
		if n.Bounce.BounceType == "Transient" {
			log.Debug("transient bounce ignored", "ses_message_id", n.Mail.MessageID)
			return nil
		}
		event = domain.EventBounced
		for _, b := range n.Bounce.BouncedRecipients {
			recipients = append(recipients, b.EmailAddress)
		}
	case "Complaint":
		if n.Complaint == nil {
			return nil
		}
		event = domain.EventComplained
		for _, c := range n.Complaint.ComplainedRecipients {
			recipients = append(recipients, c.EmailAddress)
		}
	default:
		return nil
	}

	tags := n.Mail.Tags[TrackingTag]
	if len(tags) == 0 || tags[0] == "" {
		log.Debug("ses notification without tracking tag", "ses_message_id", n.Mail.MessageID)
		return nil
	}
	trackingID := tags[0]

	for _, email := range recipients {
		err := s.feedback.HandleFeedback(ctx, trackingID, email, event)
		if errors.Is(err, ledger.ErrTrackingIDNotFound) {
			log.Debug("feedback for untracked recipient", "tracking_id", trackingID, "email", email)
			continue
		}
		if err != nil {
			return fmt.Errorf("%s for %s: %w", event, trackingID, err)
		}
		log.Info("ses feedback recorded", "tracking_id", trackingID, "event", event)
	}
	return nil
}

// confirmSubscription visits the SNS SubscribeURL. Only https URLs on an
// amazonaws.com host are followed.
func confirmSubscription(ctx context.Context, client *http.Client, subscribeURL string) error {
	u, err := url.Parse(subscribeURL)
	if err != nil {
		return fmt.Errorf("parse subscribe url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if u.Scheme != "https" || !strings.HasSuffix(host, ".amazonaws.com") {
		return fmt.Errorf("refusing subscribe url host %q", host)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("subscribe url returned %d", resp.StatusCode)
	}
	return nil
}
