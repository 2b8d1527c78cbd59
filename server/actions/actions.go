// Package actions contains the executors the dispatcher runs when a rule
// matches a message. Each executor owns one action type, validates its own
// configuration and performs the side effect for one attempt.
package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/StarZeus/mailrelay/db"
)

// ExecContext carries everything an executor needs for a single attempt.
// Attempt starts at 1 and is bumped by the dispatcher between retries so
// executors can annotate outbound calls with it.
type ExecContext struct {
	Message *db.Message
	Rule    *db.FilterRule
	Action  *db.FilterAction
	Attempt int
}

// Executor is one registered action type. Validate inspects the stored
// configuration before any attempt is made; a validation error means the
// action can never succeed and must not be retried. Execute performs one
// attempt and is called again by the dispatcher on retryable failure.
type Executor interface {
	Kind() db.ActionKind
	Validate(action *db.FilterAction) error
	Execute(ctx context.Context, ec *ExecContext) error
}

// ValidationError marks a configuration problem detected before execution.
type ValidationError struct {
	Kind   db.ActionKind
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s action config: %s", e.Kind, e.Reason)
}

// Registry maps action types to their executors. The set is fixed at
// startup; lookups are read-only and safe for concurrent use.
type Registry struct {
	executors map[db.ActionKind]Executor
}

func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{executors: make(map[db.ActionKind]Executor, len(executors))}
	for _, e := range executors {
		r.executors[e.Kind()] = e
	}
	return r
}

// Get returns the executor for an action type, or an error for types nothing
// is registered for (e.g. rows written by a newer schema revision).
func (r *Registry) Get(kind db.ActionKind) (Executor, error) {
	e, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("no executor registered for action type %q", kind)
	}
	return e, nil
}

// attachmentInfo is the metadata-only view of an attachment carried in
// outbound payloads. Content stays in the database.
type attachmentInfo struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// messageEnvelope is the JSON shape shared by the webhook and queue
// executors.
type messageEnvelope struct {
	ID          string           `json:"id"`
	FromEmail   string           `json:"fromEmail"`
	ToEmail     string           `json:"toEmail"`
	Subject     string           `json:"subject"`
	Body        string           `json:"body"`
	SentDate    time.Time        `json:"sentDate"`
	Attachments []attachmentInfo `json:"attachments"`
}

func newEnvelope(msg *db.Message) *messageEnvelope {
	env := &messageEnvelope{
		ID:          msg.ID,
		FromEmail:   msg.FromEmail,
		ToEmail:     msg.ToEmail,
		Subject:     msg.Subject,
		Body:        msg.Body,
		SentDate:    msg.SentDate,
		Attachments: []attachmentInfo{},
	}
	for _, att := range msg.Attachments {
		env.Attachments = append(env.Attachments, attachmentInfo{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        att.Size,
		})
	}
	return env
}

// templateContext is the message view exposed to Handlebars templates. The
// message lives under the "email" key, so recipient expressions and bodies
// are written as {{email.fromEmail}}; the same fields are aliased at the top
// level so short templates can write {{subject}}.
func templateContext(msg *db.Message) map[string]interface{} {
	attachments := make([]interface{}, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		attachments = append(attachments, map[string]interface{}{
			"filename":    att.Filename,
			"contentType": att.ContentType,
			"size":        att.Size,
		})
	}
	email := map[string]interface{}{
		"id":          msg.ID,
		"fromEmail":   msg.FromEmail,
		"toEmail":     msg.ToEmail,
		"subject":     msg.Subject,
		"body":        msg.Body,
		"sentDate":    msg.SentDate.Format(time.RFC3339),
		"attachments": attachments,
	}
	tplCtx := map[string]interface{}{"email": email}
	for k, v := range email {
		tplCtx[k] = v
	}
	return tplCtx
}

// configString reads a string value out of the stored JSONB config.
func configString(cfg map[string]interface{}, key string) string {
	if cfg == nil {
		return ""
	}
	if s, ok := cfg[key].(string); ok {
		return s
	}
	return ""
}
