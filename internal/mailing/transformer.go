// Package mailing turns raw step content into a trackable, personalized,
// footer-complete message.
package mailing

import (
	"fmt"
	"html"
	"strings"

	"github.com/ignite/drip-engine/internal/domain"
)

// Input is everything the transformer needs for one delivery.
type Input struct {
	Subject    string
	HTML       string
	Text       string
	Variables  map[string]string
	Email      string
	TrackingID string

	// FooterHTML is the step footer, or the owner's custom footer.
	FooterHTML string

	// Owner drives the unsubscribe, promotion and Sender decisions.
	Owner *domain.OwnerProfile

	// RecipientKnown is true when the email resolved in the subscriber
	// directory; the unsubscribe block needs a subscriber identity.
	RecipientKnown bool
}

// Output is the final message content plus header hints for the caller.
type Output struct {
	Subject string
	HTML    string
	Text    string

	// UnsubscribeURL is set when an unsubscribe link was added; callers add
	// List-Unsubscribe headers pointing at it.
	UnsubscribeURL string

	// ForceSender asks the caller to set a neutral Sender header because the
	// owner's domain lacks verified sender authentication.
	ForceSender bool
}

// Transformer rewrites step content for a single recipient.
type Transformer struct {
	urls      *TrackingURLs
	promoHTML string
}

// NewTransformer creates a transformer. promoHTML is appended for owners who
// have not verified a promotion; empty disables the block.
func NewTransformer(urls *TrackingURLs, promoHTML string) *Transformer {
	return &Transformer{urls: urls, promoHTML: promoHTML}
}

// URLs exposes the tracking URL builder.
func (t *Transformer) URLs() *TrackingURLs { return t.urls }

// Transform builds the outgoing content. It returns ErrEmptyContent when
// both bodies are blank after substitution.
func (t *Transformer) Transform(in Input) (*Output, error) {
	out := &Output{
		Subject: Substitute(in.Subject, in.Variables),
	}
	htmlBody := Substitute(in.HTML, in.Variables)
	textBody := Substitute(in.Text, in.Variables)
	if strings.TrimSpace(htmlBody) == "" && strings.TrimSpace(textBody) == "" {
		return nil, ErrEmptyContent
	}

	owner := in.Owner
	if owner == nil {
		owner = &domain.OwnerProfile{}
	}
	out.ForceSender = !owner.SenderAuthVerified

	// Appends, in order: footer, address + unsubscribe, promotion.
	var appendHTML []string
	if footer := Substitute(in.FooterHTML, in.Variables); strings.TrimSpace(footer) != "" {
		appendHTML = append(appendHTML, footer)
	}
	if !owner.UnsubscribeDisabled && in.RecipientKnown {
		out.UnsubscribeURL = t.urls.UnsubscribeURL(in.TrackingID, in.Email)
		appendHTML = append(appendHTML, complianceBlock(owner.Address, out.UnsubscribeURL))
	}
	if !owner.PromotionVerified && strings.TrimSpace(t.promoHTML) != "" {
		appendHTML = append(appendHTML, t.promoHTML)
	}

	if strings.TrimSpace(htmlBody) != "" {
		htmlBody = appendToBody(htmlBody, strings.Join(appendHTML, "\n"))
		htmlBody = t.urls.RewriteLinks(htmlBody, in.TrackingID, in.Email)
		htmlBody = t.urls.RewriteSeparators(htmlBody, in.TrackingID, in.Email)
		out.HTML = htmlBody
	}

	if strings.TrimSpace(textBody) == "" {
		textBody = HTMLToText(out.HTML)
	} else if len(appendHTML) > 0 {
		var extra []string
		for _, frag := range appendHTML {
			if s := HTMLToText(frag); s != "" {
				extra = append(extra, s)
			}
		}
		if len(extra) > 0 {
			textBody = strings.TrimRight(textBody, "\n") + "\n\n" + strings.Join(extra, "\n\n")
		}
	}
	out.Text = textBody
	return out, nil
}

// complianceBlock renders the CAN-SPAM / GDPR address block and unsubscribe link.
func complianceBlock(addr domain.PostalAddress, unsubscribeURL string) string {
	var b strings.Builder
	b.WriteString(`<div style="margin-top:24px;font-size:12px;line-height:18px;color:#888888;text-align:center;">`)
	if lines := addr.Lines(); len(lines) > 0 {
		escaped := make([]string, len(lines))
		for i, l := range lines {
			escaped[i] = html.EscapeString(l)
		}
		fmt.Fprintf(&b, "<p>%s</p>", strings.Join(escaped, "<br>"))
	}
	fmt.Fprintf(&b, `<p><a href="%s">Unsubscribe</a></p>`, html.EscapeString(unsubscribeURL))
	b.WriteString("</div>")
	return b.String()
}
