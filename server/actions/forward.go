package actions

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/StarZeus/mailrelay/db"
	"github.com/StarZeus/mailrelay/helpers"
	"github.com/StarZeus/mailrelay/logger"
)

// ForwardExecutor re-sends a matched message to a configured address through
// the outbound SMTP relay.
//
// Config:
//
//	forwardTo — destination address (required)
type ForwardExecutor struct {
	relay RelaySender
}

func NewForwardExecutor(relay RelaySender) *ForwardExecutor {
	return &ForwardExecutor{relay: relay}
}

func (e *ForwardExecutor) Kind() db.ActionKind {
	return db.KindForward
}

func (e *ForwardExecutor) Validate(action *db.FilterAction) error {
	forwardTo := configString(action.Config, "forwardTo")
	if forwardTo == "" {
		return &ValidationError{Kind: db.KindForward, Reason: "forwardTo is required"}
	}
	if !helpers.IsValidAddress(forwardTo) {
		return &ValidationError{Kind: db.KindForward, Reason: fmt.Sprintf("forwardTo %q is not a valid address", forwardTo)}
	}
	return nil
}

func (e *ForwardExecutor) Execute(ctx context.Context, ec *ExecContext) error {
	forwardTo := helpers.NormalizeAddress(configString(ec.Action.Config, "forwardTo"))

	raw, err := buildForwardMessage(ec.Message, e.relay.FromAddress(), forwardTo)
	if err != nil {
		return fmt.Errorf("failed to assemble forward message: %w", err)
	}
	if err := e.relay.Send(e.relay.FromAddress(), []string{forwardTo}, raw); err != nil {
		return fmt.Errorf("forward to %s: %w", forwardTo, err)
	}

	logger.Info("Forwarded message", "message_id", ec.Message.ID, "to", forwardTo, "attachments", len(ec.Message.Attachments))
	return nil
}

// buildForwardMessage reassembles a stored message as a multipart/mixed
// RFC 5322 message addressed to the forward target, re-attaching every stored
// attachment. The original sender is preserved in the Reply-To header so
// replies go back to it, not to the relay identity.
func buildForwardMessage(msg *db.Message, from, to string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetAddressList("Reply-To", []*mail.Address{{Address: msg.FromEmail}})
	h.SetSubject("Fwd: " + sanitizeHeader(msg.Subject))
	h.Set("X-Original-Message-ID", msg.ID)

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	var th mail.InlineHeader
	th.Set("Content-Type", "text/plain; charset=utf-8")
	body, err := mw.CreateSingleInline(th)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(body, msg.Body); err != nil {
		return nil, err
	}
	if err := body.Close(); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		var ah mail.AttachmentHeader
		ah.Set("Content-Type", att.ContentType)
		ah.SetFilename(att.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, err
		}
		if _, err := aw.Write(att.Content); err != nil {
			return nil, err
		}
		if err := aw.Close(); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
