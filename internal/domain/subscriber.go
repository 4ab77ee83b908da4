package domain

import "strings"

// Recipient is the subscriber-store view the engine needs.
type Recipient struct {
	ID        string   `json:"id" db:"id"`
	Email     string   `json:"email" db:"email"`
	FirstName string   `json:"first_name" db:"first_name"`
	LastName  string   `json:"last_name" db:"last_name"`
	Active    bool     `json:"active" db:"active"`
	Lists     []string `json:"lists" db:"lists"`
}

// InList reports whether the recipient is a member of listID.
func (r *Recipient) InList(listID string) bool {
	for _, l := range r.Lists {
		if l == listID {
			return true
		}
	}
	return false
}

// FullName joins first and last name, skipping blanks.
func (r *Recipient) FullName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// OwnerProfile carries the owner settings that shape outgoing mail.
type OwnerProfile struct {
	OwnerID     string `json:"owner_id" db:"owner_id"`
	Email       string `json:"email" db:"email"`
	DisplayName string `json:"display_name" db:"display_name"`

	// SenderAuthVerified is false when the owner's domain lacks a valid
	// sender-authentication record; a neutral Sender header is then forced.
	SenderAuthVerified  bool   `json:"sender_auth_verified" db:"sender_auth_verified"`
	PromotionVerified   bool   `json:"promotion_verified" db:"promotion_verified"`
	UnsubscribeDisabled bool   `json:"unsubscribe_disabled" db:"unsubscribe_disabled"`
	FooterHTML          string `json:"footer_html" db:"footer_html"`

	Address PostalAddress `json:"address"`
}

// PostalAddress is the CAN-SPAM / GDPR sender address.
type PostalAddress struct {
	Company    string `json:"company" db:"company"`
	Street     string `json:"street" db:"street"`
	City       string `json:"city" db:"city"`
	Region     string `json:"region" db:"region"`
	PostalCode string `json:"postal_code" db:"postal_code"`
	Country    string `json:"country" db:"country"`
}

// Lines returns the non-empty address lines in display order.
func (a PostalAddress) Lines() []string {
	var out []string
	for _, s := range []string{a.Company, a.Street} {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	locality := strings.TrimSpace(strings.Join(nonEmpty(a.City, a.Region, a.PostalCode), " "))
	if locality != "" {
		out = append(out, locality)
	}
	if c := strings.TrimSpace(a.Country); c != "" {
		out = append(out, c)
	}
	return out
}

func nonEmpty(parts ...string) []string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
