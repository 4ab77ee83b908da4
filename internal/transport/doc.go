// Package transport delivers fully built messages. The production adapter
// sends raw MIME through the AWS SES v2 API so custom headers, Reply-To and
// BCC survive unchanged.
package transport
