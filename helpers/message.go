package helpers

import (
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"

	"github.com/StarZeus/mailrelay/consts"
)

// ParsedAttachment is one decoded attachment of a parsed message.
type ParsedAttachment struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
}

// ParsedContent holds the structured fields extracted from a raw RFC 5322
// message.
type ParsedContent struct {
	Subject     string
	SentDate    time.Time
	TextBody    string
	HTMLBody    string
	Attachments []ParsedAttachment
}

// ParseMessageContent walks the MIME structure of a raw message and extracts
// the subject, sent date, text and HTML bodies and all attachments.
//
// Unknown charsets are tolerated: the affected part is read as-is rather
// than rejecting the whole transmission. A missing Date header yields a zero
// SentDate; callers substitute the receive time.
//
// Structural failures wrap consts.ErrMalformedMessage so callers can
// distinguish a broken transmission from an I/O problem.
func ParseMessageContent(r io.Reader) (*ParsedContent, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: failed to create mail reader: %v", consts.ErrMalformedMessage, err)
	}

	parsed := &ParsedContent{}
	parsed.Subject, _ = mr.Header.Subject()
	parsed.SentDate, _ = mr.Header.Date()

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return nil, fmt.Errorf("%w: failed to read message part: %v", consts.ErrMalformedMessage, err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, _ := h.ContentType()
			content, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("%w: failed to read part body: %v", consts.ErrMalformedMessage, err)
			}
			switch mediaType {
			case "text/plain":
				if parsed.TextBody == "" {
					parsed.TextBody = string(content)
				}
			case "text/html":
				if parsed.HTMLBody == "" {
					parsed.HTMLBody = string(content)
				}
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			mediaType, _, _ := h.ContentType()
			content, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("%w: failed to read attachment %q: %v", consts.ErrMalformedMessage, filename, err)
			}
			parsed.Attachments = append(parsed.Attachments, ParsedAttachment{
				Filename:    filename,
				ContentType: mediaType,
				Size:        int64(len(content)),
				Content:     content,
			})
		}
	}

	// If there is no plaintext body but an HTML body exists, derive one so
	// pattern matching and script actions always see usable text.
	if parsed.TextBody == "" && parsed.HTMLBody != "" {
		parsed.TextBody = html2text.HTML2Text(parsed.HTMLBody)
	}

	return parsed, nil
}

// SanitizeUTF8 removes invalid UTF-8 sequences and NULL bytes from a string.
// PostgreSQL text columns do not allow NULL bytes (0x00) even though they
// are valid UTF-8, so everything headed for the database passes through
// here.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, '\x00') {
		return s
	}

	buf := make([]rune, 0, len(s))
	for i, r := range s {
		if r == '\x00' {
			continue
		}
		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(s[i:])
			if size == 1 {
				continue // skip invalid byte
			}
		}
		buf = append(buf, r)
	}
	return string(buf)
}
