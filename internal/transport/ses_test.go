package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/drip-engine/internal/domain"
)

type fakeSES struct {
	inputs []*sesv2.SendEmailInput
	err    error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

var sendDate = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testMessage() *domain.EmailMessage {
	return &domain.EmailMessage{
		ID:          "req-1",
		TrackingID:  "trk-1",
		CampaignID:  "welcome series",
		From:        `"Shop" <bounces@drip.example.com>`,
		To:          "a@example.com",
		Bcc:         []string{"owner@shop.com"},
		ReplyTo:     "owner@shop.com",
		Subject:     "Héllo Ann",
		HTMLContent: "<p>Hello Ann</p>",
		TextContent: "Hello Ann",
		Headers:     map[string]string{"List-Unsubscribe": "<https://track.example.com/u/trk-1>"},
	}
}

func TestSendBuildsRawInput(t *testing.T) {
	api := &fakeSES{}
	tr := NewSESTransportWithClient(api, "drip-events")
	tr.now = func() time.Time { return sendDate }

	require.NoError(t, tr.Send(context.Background(), testMessage()))
	require.Len(t, api.inputs, 1)
	in := api.inputs[0]

	assert.Equal(t, `"Shop" <bounces@drip.example.com>`, aws.ToString(in.FromEmailAddress))
	assert.Equal(t, []string{"a@example.com"}, in.Destination.ToAddresses)
	assert.Equal(t, []string{"owner@shop.com"}, in.Destination.BccAddresses)
	assert.Equal(t, []string{"owner@shop.com"}, in.ReplyToAddresses)
	assert.Equal(t, "drip-events", aws.ToString(in.ConfigurationSetName))
	require.NotNil(t, in.Content.Raw)

	tags := map[string]string{}
	for _, tag := range in.EmailTags {
		tags[aws.ToString(tag.Name)] = aws.ToString(tag.Value)
	}
	assert.Equal(t, "trk-1", tags[TagTrackingID])
	assert.Equal(t, "welcome_series", tags[TagCampaignID])
}

func TestSendWrapsClientError(t *testing.T) {
	api := &fakeSES{err: errors.New("throttled")}
	tr := NewSESTransportWithClient(api, "")

	err := tr.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
	assert.Nil(t, api.inputs[0].ConfigurationSetName)
}

func TestBuildMIMEAlternative(t *testing.T) {
	raw, err := BuildMIME(testMessage(), sendDate)
	require.NoError(t, err)

	m, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(m.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, "Héllo Ann", subject)
	assert.Equal(t, "a@example.com", m.Header.Get("To"))
	assert.Equal(t, "owner@shop.com", m.Header.Get("Reply-To"))
	assert.Equal(t, "<trk-1@drip.example.com>", m.Header.Get("Message-Id"))
	assert.Equal(t, "<https://track.example.com/u/trk-1>", m.Header.Get("List-Unsubscribe"))
	assert.Empty(t, m.Header.Get("Bcc"))

	mediaType, params, err := mime.ParseMediaType(m.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/alternative", mediaType)

	mr := multipart.NewReader(m.Body, params["boundary"])
	var bodies []string
	var types []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		// NextPart decodes quoted-printable transparently.
		b, err := io.ReadAll(p)
		require.NoError(t, err)
		bodies = append(bodies, string(b))
		types = append(types, p.Header.Get("Content-Type"))
	}
	assert.Equal(t, []string{"text/plain; charset=utf-8", "text/html; charset=utf-8"}, types)
	assert.Equal(t, []string{"Hello Ann", "<p>Hello Ann</p>"}, bodies)
}

func TestBuildMIMESinglePart(t *testing.T) {
	msg := testMessage()
	msg.TextContent = ""
	raw, err := BuildMIME(msg, sendDate)
	require.NoError(t, err)

	m, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "text/html; charset=utf-8", m.Header.Get("Content-Type"))
	body, err := io.ReadAll(quotedprintable.NewReader(m.Body))
	require.NoError(t, err)
	assert.Equal(t, "<p>Hello Ann</p>", string(body))

	msg.HTMLContent = ""
	_, err = BuildMIME(msg, sendDate)
	assert.Error(t, err)
}

func TestBuildMIMEStripsHeaderInjection(t *testing.T) {
	msg := testMessage()
	msg.Subject = "Hi\r\nBcc: victim@example.com"
	raw, err := BuildMIME(msg, sendDate)
	require.NoError(t, err)

	m, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Empty(t, m.Header.Get("Bcc"))
}
