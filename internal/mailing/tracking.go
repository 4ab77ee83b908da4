package mailing

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
)

// TrackingURLs builds the open, click and unsubscribe URLs served by the
// tracking endpoints. Every URL carries the tracking id, which is the id of
// the delivery's sent ledger entry.
type TrackingURLs struct {
	base string
	host string
}

// NewTrackingURLs creates a builder rooted at baseURL
// (for example "https://track.example.com").
func NewTrackingURLs(baseURL string) (*TrackingURLs, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse tracking url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("tracking url %q must be absolute", baseURL)
	}
	return &TrackingURLs{base: u.String(), host: strings.ToLower(u.Hostname())}, nil
}

// Host returns the tracking host used to recognize already-tracked links.
func (t *TrackingURLs) Host() string { return t.host }

// OpenURL returns the open-tracking beacon URL.
func (t *TrackingURLs) OpenURL(trackingID, email string) string {
	return fmt.Sprintf("%s/track/open/%s?e=%s", t.base, url.PathEscape(trackingID), url.QueryEscape(email))
}

// ClickURL returns the click-redirect URL for dest.
func (t *TrackingURLs) ClickURL(trackingID, email, dest string) string {
	return fmt.Sprintf("%s/track/click/%s?email=%s&url=%s",
		t.base, url.PathEscape(trackingID), url.QueryEscape(email), url.QueryEscape(dest))
}

// UnsubscribeURL returns the one-click unsubscribe URL.
func (t *TrackingURLs) UnsubscribeURL(trackingID, email string) string {
	return fmt.Sprintf("%s/track/unsubscribe/%s?e=%s", t.base, url.PathEscape(trackingID), url.QueryEscape(email))
}

// IsTracked reports whether rawURL already points at the tracking host.
func (t *TrackingURLs) IsTracked(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), t.host)
}

// The href attribute must follow whitespace so data-href and similar
// attributes are not taken for it.
var hrefRe = regexp.MustCompile(`(?is)(<a\b[^>]*?\shref\s*=\s*)(["'])(.*?)(["'])`)

// RewriteLinks points every http(s) anchor at the click redirect. Fragment,
// mailto and already-tracked links are left alone.
func (t *TrackingURLs) RewriteLinks(body, trackingID, email string) string {
	return hrefRe.ReplaceAllStringFunc(body, func(m string) string {
		parts := hrefRe.FindStringSubmatch(m)
		prefix, open, raw, closeQ := parts[1], parts[2], parts[3], parts[4]
		if open != closeQ {
			return m
		}
		dest := strings.TrimSpace(html.UnescapeString(raw))
		if !t.shouldTrack(dest) {
			return m
		}
		tracked := html.EscapeString(t.ClickURL(trackingID, email, dest))
		return prefix + open + tracked + closeQ
	})
}

func (t *TrackingURLs) shouldTrack(dest string) bool {
	lower := strings.ToLower(dest)
	switch {
	case dest == "", strings.HasPrefix(dest, "#"), strings.HasPrefix(lower, "mailto:"):
		return false
	case !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://"):
		return false
	case t.IsTracked(dest):
		return false
	}
	return true
}

var (
	hrRe        = regexp.MustCompile(`(?i)<hr\b[^>]*>`)
	closeBodyRe = regexp.MustCompile(`(?i)</body\s*>`)
)

const (
	dividerTag = `<img src="%s" alt="" width="600" height="1" style="display:block;width:100%%;max-width:600px;height:1px;border:0;background-color:#e0e0e0;margin:16px 0;" />`
	pixelTag   = `<img src="%s" alt="" width="1" height="1" style="display:block;width:1px;height:1px;border:0;" />`
)

// RewriteSeparators turns every <hr> into a divider image served by the open
// beacon. Without any <hr> a 1x1 beacon is injected before </body>, or
// appended, so every HTML message carries one.
func (t *TrackingURLs) RewriteSeparators(body, trackingID, email string) string {
	beacon := html.EscapeString(t.OpenURL(trackingID, email))
	if hrRe.MatchString(body) {
		divider := fmt.Sprintf(dividerTag, beacon)
		return hrRe.ReplaceAllLiteralString(body, divider)
	}
	return appendToBody(body, fmt.Sprintf(pixelTag, beacon))
}

// appendToBody inserts fragment before the last </body>, or appends it.
func appendToBody(body, fragment string) string {
	if fragment == "" {
		return body
	}
	locs := closeBodyRe.FindAllStringIndex(body, -1)
	if len(locs) == 0 {
		return body + fragment
	}
	at := locs[len(locs)-1][0]
	return body[:at] + fragment + body[at:]
}
