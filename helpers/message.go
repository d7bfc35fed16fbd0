package helpers

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/k3a/html2text"
)

// ParsedMessage holds the fields extracted from a raw RFC 822 message that
// the rule engine and analyzer operate on. Body is always plain text: when
// the message carries only an HTML part, it is converted.
type ParsedMessage struct {
	Subject   string
	From      string
	To        string
	MessageID string
	SentDate  time.Time
	Body      string
}

// ParseMessage parses a raw RFC 822 message and extracts the headers and the
// best available text body. Malformed messages that still yield a header are
// accepted; go-message reports such errors as message.UnknownCharsetError or
// similar recoverable conditions.
func ParseMessage(raw []byte) (*ParsedMessage, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	parsed := &ParsedMessage{
		Subject:   SanitizeUTF8(decodeHeader(entity.Header.Get("Subject"))),
		From:      SanitizeUTF8(decodeHeader(entity.Header.Get("From"))),
		To:        SanitizeUTF8(decodeHeader(entity.Header.Get("To"))),
		MessageID: strings.Trim(entity.Header.Get("Message-Id"), "<>"),
	}

	if dateStr := entity.Header.Get("Date"); dateStr != "" {
		if t, err := parseMessageDate(dateStr); err == nil {
			parsed.SentDate = t.UTC()
		}
	}
	if parsed.SentDate.IsZero() {
		parsed.SentDate = time.Now().UTC()
	}

	plaintext, htmlBody, err := extractTextBodies(entity)
	if err != nil {
		return nil, err
	}
	if plaintext == "" && htmlBody != "" {
		plaintext = html2text.HTML2Text(htmlBody)
	}
	parsed.Body = SanitizeUTF8(plaintext)

	return parsed, nil
}

// extractTextBodies walks the MIME tree and returns the first text/plain and
// text/html parts found. Nested multiparts are descended depth-first.
func extractTextBodies(entity *message.Entity) (plaintext, htmlBody string, err error) {
	var walk func(*message.Entity) error
	walk = func(e *message.Entity) error {
		mediaType, _, _ := e.Header.ContentType()

		if strings.HasPrefix(mediaType, "multipart/") {
			mr := e.MultipartReader()
			if mr == nil {
				return fmt.Errorf("nil multipart reader for %s", mediaType)
			}
			for {
				part, err := mr.NextPart()
				if err == io.EOF {
					break
				}
				if err != nil {
					return fmt.Errorf("error reading multipart: %w", err)
				}
				if err := walk(part); err != nil {
					return err
				}
			}
			return nil
		}

		switch mediaType {
		case "text/plain", "":
			if plaintext == "" {
				content, err := io.ReadAll(e.Body)
				if err != nil {
					return fmt.Errorf("error reading text part: %w", err)
				}
				plaintext = string(content)
			}
		case "text/html":
			if htmlBody == "" {
				content, err := io.ReadAll(e.Body)
				if err != nil {
					return fmt.Errorf("error reading html part: %w", err)
				}
				htmlBody = string(content)
			}
		}
		return nil
	}

	if err := walk(entity); err != nil {
		return "", "", err
	}
	return plaintext, htmlBody, nil
}

// decodeHeader decodes RFC 2047 encoded words, falling back to the raw value
// when decoding fails.
func decodeHeader(value string) string {
	dec := &mime.WordDecoder{CharsetReader: charset.Reader}
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// parseMessageDate tries the date formats seen in the wild, most common first.
func parseMessageDate(dateStr string) (time.Time, error) {
	formats := []string{
		time.RFC1123Z,
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"2 Jan 2006 15:04:05 -0700",
		time.RFC822Z,
		time.RFC822,
	}
	dateStr = strings.TrimSpace(dateStr)
	// Strip a trailing comment like "(UTC)"
	if idx := strings.LastIndex(dateStr, " ("); idx > 0 {
		dateStr = dateStr[:idx]
	}
	for _, format := range formats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format: %q", dateStr)
}
