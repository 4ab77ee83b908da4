package transport

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/pkg/logger"
)

var log = logger.New("transport")

// Message tag names. The webhook resolves bounces and complaints through
// the tracking_id tag.
const (
	TagTrackingID = "tracking_id"
	TagCampaignID = "campaign_id"
)

// SESAPI is the slice of the SES v2 client the transport needs.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures the SES transport.
type SESConfig struct {
	Region           string
	AccessKey        string
	SecretKey        string
	ConfigurationSet string
}

// SESTransport implements sending.Transport over AWS SES v2.
type SESTransport struct {
	client           SESAPI
	configurationSet string
	now              func() time.Time
}

// NewSESTransport loads AWS configuration and creates the transport. Static
// credentials are used when both keys are set, otherwise the default
// provider chain applies.
func NewSESTransport(ctx context.Context, cfg SESConfig) (*SESTransport, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewSESTransportWithClient(sesv2.NewFromConfig(awsCfg), cfg.ConfigurationSet), nil
}

// NewSESTransportWithClient wraps an existing SES client.
func NewSESTransportWithClient(client SESAPI, configurationSet string) *SESTransport {
	return &SESTransport{client: client, configurationSet: configurationSet, now: time.Now}
}

// Send delivers msg as raw MIME.
func (t *SESTransport) Send(ctx context.Context, msg *domain.EmailMessage) error {
	raw, err := BuildMIME(msg, t.now())
	if err != nil {
		return err
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination: &types.Destination{
			ToAddresses:  []string{msg.To},
			BccAddresses: msg.Bcc,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
		EmailTags: messageTags(msg),
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if t.configurationSet != "" {
		input.ConfigurationSetName = aws.String(t.configurationSet)
	}

	out, err := t.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	messageID := ""
	if out != nil && out.MessageId != nil {
		messageID = *out.MessageId
	}
	log.Debug("message accepted", "to", msg.To, "ses_message_id", messageID, "tracking_id", msg.TrackingID)
	return nil
}

var tagUnsafe = regexp.MustCompile(`[^A-Za-z0-9_\-]`)

// tagValue makes v acceptable to SES, which only allows ASCII letters,
// digits, underscores and dashes in tag values.
func tagValue(v string) string {
	v = tagUnsafe.ReplaceAllString(v, "_")
	if len(v) > 256 {
		v = v[:256]
	}
	return v
}

func messageTags(msg *domain.EmailMessage) []types.MessageTag {
	var tags []types.MessageTag
	if msg.TrackingID != "" {
		tags = append(tags, types.MessageTag{Name: aws.String(TagTrackingID), Value: aws.String(tagValue(msg.TrackingID))})
	}
	if msg.CampaignID != "" {
		tags = append(tags, types.MessageTag{Name: aws.String(TagCampaignID), Value: aws.String(tagValue(msg.CampaignID))})
	}
	return tags
}
