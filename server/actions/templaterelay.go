package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/StarZeus/mailrelay/db"
	"github.com/StarZeus/mailrelay/helpers"
	"github.com/StarZeus/mailrelay/logger"
	"github.com/StarZeus/mailrelay/server/templates"
)

// TemplateRelayExecutor renders a Handlebars template against the matched
// message and mails the result through the outbound relay. Recipients are
// themselves a template, so a rule can route to addresses derived from
// message fields.
//
// Config:
//
//	recipientExpression — template producing a comma-separated recipient
//	                      list (required)
//	template            — Handlebars body (required)
//	templateType        — "markdown" or "html" (optional, default html)
//	subject             — subject template (optional, defaults to the
//	                      original subject)
type TemplateRelayExecutor struct {
	relay  RelaySender
	engine *templates.Engine
}

func NewTemplateRelayExecutor(relay RelaySender, engine *templates.Engine) *TemplateRelayExecutor {
	return &TemplateRelayExecutor{relay: relay, engine: engine}
}

func (e *TemplateRelayExecutor) Kind() db.ActionKind {
	return db.KindTemplate
}

func (e *TemplateRelayExecutor) Validate(action *db.FilterAction) error {
	if configString(action.Config, "recipientExpression") == "" {
		return &ValidationError{Kind: db.KindTemplate, Reason: "recipientExpression is required"}
	}
	if configString(action.Config, "template") == "" {
		return &ValidationError{Kind: db.KindTemplate, Reason: "template is required"}
	}
	switch configString(action.Config, "templateType") {
	case "", templates.TypeHTML, templates.TypeMarkdown:
	default:
		return &ValidationError{Kind: db.KindTemplate, Reason: fmt.Sprintf("unsupported templateType %q", configString(action.Config, "templateType"))}
	}
	return nil
}

func (e *TemplateRelayExecutor) Execute(ctx context.Context, ec *ExecContext) error {
	tplCtx := templateContext(ec.Message)

	recipients, err := e.resolveRecipients(ec, tplCtx)
	if err != nil {
		return err
	}

	html, err := e.engine.RenderHTML(
		configString(ec.Action.Config, "template"),
		configString(ec.Action.Config, "templateType"),
		tplCtx)
	if err != nil {
		return err
	}

	subject := ec.Message.Subject
	if subjectTpl := configString(ec.Action.Config, "subject"); subjectTpl != "" {
		if subject, err = e.engine.Render(subjectTpl, tplCtx); err != nil {
			return err
		}
	}

	raw := buildHTMLMessage(e.relay.FromAddress(), recipients, subject, html, ec.Message.ID)
	if err := e.relay.Send(e.relay.FromAddress(), recipients, raw); err != nil {
		return fmt.Errorf("template relay to %s: %w", strings.Join(recipients, ", "), err)
	}

	logger.Info("Sent templated message", "message_id", ec.Message.ID, "recipients", len(recipients))
	return nil
}

// resolveRecipients renders the recipient expression and keeps the entries
// that parse as mail addresses. An expression that yields no usable address
// is a failure: silently dropping the send would hide a broken rule.
func (e *TemplateRelayExecutor) resolveRecipients(ec *ExecContext, tplCtx map[string]interface{}) ([]string, error) {
	rendered, err := e.engine.Render(configString(ec.Action.Config, "recipientExpression"), tplCtx)
	if err != nil {
		return nil, err
	}

	var recipients []string
	for _, part := range strings.Split(rendered, ",") {
		addr := helpers.NormalizeAddress(part)
		if addr == "" {
			continue
		}
		if !helpers.IsValidAddress(addr) {
			logger.Warn("Skipping invalid templated recipient", "message_id", ec.Message.ID, "recipient", addr)
			continue
		}
		recipients = append(recipients, addr)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("recipient expression %q produced no valid addresses", configString(ec.Action.Config, "recipientExpression"))
	}
	return recipients, nil
}

// sanitizeHeader strips CR/LF so message fields cannot inject headers.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}

func buildHTMLMessage(from string, to []string, subject, html, originalID string) []byte {
	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	sb.WriteString("Subject: " + sanitizeHeader(subject) + "\r\n")
	sb.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("X-Original-Message-ID: " + originalID + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(html)
	sb.WriteString("\r\n")
	return []byte(sb.String())
}
