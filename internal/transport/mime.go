package transport

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/ignite/drip-engine/internal/domain"
)

// headerSafe strips CR and LF so header values cannot inject new headers.
func headerSafe(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}

// BuildMIME renders msg as an RFC 5322 message. Bcc recipients are not
// written to the headers; they travel in the envelope only.
func BuildMIME(msg *domain.EmailMessage, date time.Time) ([]byte, error) {
	if msg.HTMLContent == "" && msg.TextContent == "" {
		return nil, fmt.Errorf("message %s has no body", msg.ID)
	}

	var buf bytes.Buffer
	h := make(textproto.MIMEHeader)
	h.Set("From", headerSafe(msg.From))
	h.Set("To", headerSafe(msg.To))
	if msg.ReplyTo != "" {
		h.Set("Reply-To", headerSafe(msg.ReplyTo))
	}
	h.Set("Subject", mime.QEncoding.Encode("utf-8", headerSafe(msg.Subject)))
	h.Set("Date", date.Format(time.RFC1123Z))
	h.Set("Message-ID", messageID(msg))
	h.Set("MIME-Version", "1.0")
	for k, v := range msg.Headers {
		h.Set(headerSafe(k), headerSafe(v))
	}

	switch {
	case msg.HTMLContent != "" && msg.TextContent != "":
		boundary := randomBoundary()
		h.Set("Content-Type", fmt.Sprintf(`multipart/alternative; boundary="%s"`, boundary))
		writeHeader(&buf, h)

		mw := multipart.NewWriter(&buf)
		if err := mw.SetBoundary(boundary); err != nil {
			return nil, err
		}
		if err := writePart(mw, "text/plain; charset=utf-8", msg.TextContent); err != nil {
			return nil, err
		}
		if err := writePart(mw, "text/html; charset=utf-8", msg.HTMLContent); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
	case msg.HTMLContent != "":
		h.Set("Content-Type", "text/html; charset=utf-8")
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		writeHeader(&buf, h)
		if err := writeQP(&buf, msg.HTMLContent); err != nil {
			return nil, err
		}
	default:
		h.Set("Content-Type", "text/plain; charset=utf-8")
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		writeHeader(&buf, h)
		if err := writeQP(&buf, msg.TextContent); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, h textproto.MIMEHeader) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			fmt.Fprintf(buf, "%s: %s\r\n", k, v)
		}
	}
	buf.WriteString("\r\n")
}

func writePart(mw *multipart.Writer, contentType, body string) error {
	ph := make(textproto.MIMEHeader)
	ph.Set("Content-Type", contentType)
	ph.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := mw.CreatePart(ph)
	if err != nil {
		return err
	}
	qw := quotedprintable.NewWriter(pw)
	if _, err := qw.Write([]byte(body)); err != nil {
		return err
	}
	return qw.Close()
}

func writeQP(buf *bytes.Buffer, body string) error {
	qw := quotedprintable.NewWriter(buf)
	if _, err := qw.Write([]byte(body)); err != nil {
		return err
	}
	return qw.Close()
}

// messageID derives a Message-ID from the tracking id and the sender domain.
func messageID(msg *domain.EmailMessage) string {
	domainPart := "drip.local"
	if a, err := mail.ParseAddress(msg.From); err == nil {
		if at := strings.LastIndex(a.Address, "@"); at >= 0 {
			domainPart = a.Address[at+1:]
		}
	}
	local := msg.TrackingID
	if local == "" {
		local = msg.ID
	}
	if local == "" {
		local = randomBoundary()
	}
	return fmt.Sprintf("<%s@%s>", headerSafe(local), domainPart)
}

func randomBoundary() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
