package sending

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/mailing"
)

// Header names set on outgoing drip messages.
const (
	HeaderSender              = "Sender"
	HeaderListUnsubscribe     = "List-Unsubscribe"
	HeaderListUnsubscribePost = "List-Unsubscribe-Post"
	HeaderTrackingID          = "X-Drip-Tracking-ID"
)

// buildMessage assembles the transport message from transformer output.
func buildMessage(req *domain.SendRequest, c *domain.Campaign, owner *domain.OwnerProfile, out *mailing.Output, systemSender string) *domain.EmailMessage {
	msg := &domain.EmailMessage{
		ID:          req.ID,
		TrackingID:  req.TrackingID,
		CampaignID:  c.ID,
		From:        FormatFrom(owner.DisplayName, owner.Email),
		To:          req.Email,
		ReplyTo:     owner.Email,
		Subject:     out.Subject,
		HTMLContent: out.HTML,
		TextContent: out.Text,
		Headers:     map[string]string{HeaderTrackingID: req.TrackingID},
	}
	if owner.Email != "" && !strings.EqualFold(owner.Email, req.Email) {
		msg.Bcc = []string{owner.Email}
	}
	if out.ForceSender && systemSender != "" {
		msg.Headers[HeaderSender] = systemSender
	}
	if out.UnsubscribeURL != "" {
		msg.Headers[HeaderListUnsubscribe] = "<" + out.UnsubscribeURL + ">"
		msg.Headers[HeaderListUnsubscribePost] = "List-Unsubscribe=One-Click"
	}
	return msg
}

// FormatFrom renders "Display Name <email>", or the bare address when no
// display name is known.
func FormatFrom(displayName, email string) string {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return email
	}
	return (&mail.Address{Name: name, Address: email}).String()
}

func mailAddress(email string) (string, error) {
	a, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return "", fmt.Errorf("%w: email %q: %v", ErrInvalidInput, email, err)
	}
	return a.Address, nil
}
