package sending

import "errors"

// Sentinel errors for the sending service layer.
var (
	ErrNotFound           = errors.New("not found")
	ErrRecipientNotFound  = errors.New("recipient not found")
	ErrCampaignInactive   = errors.New("campaign is inactive")
	ErrRecipientInactive  = errors.New("recipient is inactive or left the list")
	ErrBrokerUnavailable  = errors.New("task queue broker unavailable")
	ErrTransport          = errors.New("mail transport failed")
	ErrInvalidTransition  = errors.New("invalid send request transition")
	ErrDuplicateDelivery  = errors.New("step already delivered to recipient")
	ErrDeliveryInProgress = errors.New("delivery already in progress")
	ErrInvalidInput       = errors.New("invalid input")
)

// IsSkip reports whether err is a guard skip: the request was left as-is
// and nothing should be recorded against it.
func IsSkip(err error) bool {
	return errors.Is(err, ErrCampaignInactive) || errors.Is(err, ErrRecipientInactive)
}
