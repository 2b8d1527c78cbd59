package smtpserver

import (
	"bytes"
	"errors"
	"io"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/StarZeus/mailrelay/db"
	"github.com/StarZeus/mailrelay/helpers"
	"github.com/StarZeus/mailrelay/logger"
	"github.com/StarZeus/mailrelay/pkg/metrics"
	"github.com/StarZeus/mailrelay/server/idgen"
)

type session struct {
	backend       *Backend
	remote        string
	authenticated bool
	from          string
	to            []string
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

// Auth accepts any credentials. The listener is an internal ingestion edge
// behind the network boundary; AUTH exists for clients that refuse to submit
// without it, not as an access control. With auth_optional = false the
// handshake itself still has to happen before MAIL is accepted.
func (s *session) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		s.authenticated = true
		logger.Debug("SMTP AUTH accepted", "remote", s.remote, "username", username)
		return nil
	}), nil
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	if !s.backend.authOptional && !s.authenticated {
		return &smtp.SMTPError{
			Code:         530,
			EnhancedCode: smtp.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}

	addr := helpers.NormalizeAddress(from)
	if !helpers.IsValidAddress(addr) {
		return &smtp.SMTPError{
			Code:         553,
			EnhancedCode: smtp.EnhancedCode{5, 1, 7},
			Message:      "Invalid sender",
		}
	}
	s.from = addr
	return nil
}

func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	addr := helpers.NormalizeAddress(to)
	if !helpers.IsValidAddress(addr) {
		return &smtp.SMTPError{
			Code:         513,
			EnhancedCode: smtp.EnhancedCode{5, 0, 1},
			Message:      "Invalid recipient",
		}
	}
	s.to = append(s.to, addr)
	return nil
}

// Data accepts the message body, parses it and persists one message row per
// recipient. A message that cannot be parsed is rejected at the protocol
// level and leaves no trace in storage. The filtering pipeline runs after
// the transmission is accepted, so rule processing never delays the SMTP
// client.
func (s *session) Data(r io.Reader) error {
	if s.from == "" || len(s.to) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands (missing MAIL FROM or RCPT TO)",
		}
	}

	data, err := io.ReadAll(r)
	if err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			// Typically the message size limit; pass the server's own
			// rejection through unchanged.
			return smtpErr
		}
		logger.Warn("SMTP failed to read message data", "remote", s.remote, "error", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Failed to read message",
		}
	}
	metrics.MessageSizeBytes.Observe(float64(len(data)))

	content, err := helpers.ParseMessageContent(bytes.NewReader(data))
	if err != nil {
		logger.Warn("SMTP rejecting malformed message", "remote", s.remote, "from", s.from, "error", err)
		metrics.ParseFailures.Inc()
		metrics.MessagesReceived.WithLabelValues("rejected").Inc()
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message content could not be parsed",
		}
	}

	now := time.Now()
	sentDate := content.SentDate
	if sentDate.IsZero() {
		sentDate = now
	}
	contentHash := helpers.HashContent(data)

	for _, rcpt := range s.to {
		msg := &db.Message{
			ID:          idgen.New(),
			FromEmail:   s.from,
			ToEmail:     rcpt,
			Subject:     content.Subject,
			Body:        content.TextBody,
			ContentHash: contentHash,
			SentDate:    sentDate,
			ReceivedAt:  now,
		}
		for _, att := range content.Attachments {
			msg.Attachments = append(msg.Attachments, &db.Attachment{
				ID:          idgen.New(),
				MessageID:   msg.ID,
				Filename:    att.Filename,
				ContentType: att.ContentType,
				Size:        att.Size,
				Content:     att.Content,
			})
		}

		if err := s.backend.store.InsertMessage(s.backend.appCtx, msg); err != nil {
			logger.Error("SMTP failed to persist message", "remote", s.remote, "from", s.from, "to", rcpt, "error", err)
			metrics.MessagesReceived.WithLabelValues("error").Inc()
			return &smtp.SMTPError{
				Code:         451,
				EnhancedCode: smtp.EnhancedCode{4, 3, 0},
				Message:      "Temporary storage failure, try again later",
			}
		}

		metrics.MessagesReceived.WithLabelValues("accepted").Inc()
		logger.Info("Message accepted", "message_id", msg.ID, "from", msg.FromEmail, "to", msg.ToEmail, "size", len(data))

		if s.backend.engine != nil {
			go func(msg *db.Message) {
				if err := s.backend.engine.Process(s.backend.appCtx, msg); err != nil {
					logger.Error("Pipeline processing failed", "message_id", msg.ID, "error", err)
				}
			}(msg)
		}
	}

	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	s.backend.activeConnections.Add(-1)
	return nil
}
