package actions

import (
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/StarZeus/mailrelay/config"
	"github.com/StarZeus/mailrelay/logger"
)

// RelayError wraps an SMTP delivery error with whether it is permanent.
// 5xx responses and configuration problems are permanent, 4xx responses and
// network failures are temporary.
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether an error is a permanent delivery failure.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	// Network and connection errors are temporary.
	return false
}

// RelaySender delivers an assembled RFC 822 message to a set of recipients.
// *Relay satisfies it; tests substitute an in-memory sender.
type RelaySender interface {
	Send(from string, recipients []string, message []byte) error
	FromAddress() string
}

// Relay is the outbound SMTP client shared by the forward and template
// actions. A fresh connection is dialed per send; the relay is an external
// MTA and connection reuse is not worth the session state.
type Relay struct {
	host        string
	security    string
	tlsVerify   bool
	username    string
	password    string
	fromAddress string
}

func NewRelay(cfg *config.RelayConfig) *Relay {
	return &Relay{
		host:        cfg.Host,
		security:    cfg.Security,
		tlsVerify:   cfg.GetTLSVerify(),
		username:    cfg.Username,
		password:    cfg.Password,
		fromAddress: cfg.FromAddress,
	}
}

// FromAddress is the envelope sender used when an action does not override
// it.
func (r *Relay) FromAddress() string {
	return r.fromAddress
}

// Send delivers one message to all recipients in a single SMTP transaction.
func (r *Relay) Send(from string, recipients []string, message []byte) error {
	if r.host == "" {
		return &RelayError{Err: fmt.Errorf("SMTP relay host not configured"), Permanent: true}
	}
	if from == "" {
		from = r.fromAddress
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !r.tlsVerify,
	}

	var c *smtp.Client
	var err error
	switch r.security {
	case "tls":
		c, err = smtp.DialTLS(r.host, tlsConfig)
	case "starttls":
		c, err = smtp.DialStartTLS(r.host, tlsConfig)
	default:
		c, err = smtp.Dial(r.host)
	}
	if err != nil {
		// Connection errors are temporary (network issue, server down)
		return &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay: %w", err), Permanent: false}
	}
	defer c.Close()

	if r.username != "" {
		if err := c.Auth(sasl.NewPlainClient("", r.username, r.password)); err != nil {
			return &RelayError{Err: fmt.Errorf("relay authentication failed: %w", err), Permanent: IsPermanentError(err)}
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	for _, rcpt := range recipients {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return &RelayError{Err: fmt.Errorf("failed to set recipient %s: %w", rcpt, err), Permanent: IsPermanentError(err)}
		}
	}

	wc, err := c.Data()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(message); err != nil {
		// Close anyway so the final dot is sent.
		_ = wc.Close()
		return &RelayError{Err: fmt.Errorf("failed to write message: %w", err), Permanent: false}
	}
	if err := wc.Close(); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}

	if err := c.Quit(); err != nil {
		// The message was already accepted; a failed QUIT is not a delivery
		// failure.
		logger.Warn("SMTP relay: failed to send QUIT", "host", r.host, "error", err)
	}
	return nil
}
