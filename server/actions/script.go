package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/StarZeus/mailrelay/consts"
	"github.com/StarZeus/mailrelay/db"
	"github.com/StarZeus/mailrelay/logger"
)

// scriptResponseLimit caps how much of an HTTP response body a script can
// pull into the sandbox.
const scriptResponseLimit = 1 << 20

// ScriptExecutor runs a user-authored JavaScript snippet in an isolated
// interpreter. The script sees a read-only view of the message plus a small
// host API (console.log, fetch, sleep). A script that evaluates to the
// literal false fails the action; any other completion value is success.
//
// Execution is bounded by a hard wall-clock timeout. The interpreter is
// interrupted mid-execution when it fires, and blocking host calls are bound
// to the same deadline so a script cannot hide inside sleep or fetch.
//
// Config:
//
//	code — JavaScript source (required; "script" is accepted as a legacy
//	       alias)
type ScriptExecutor struct {
	timeout time.Duration
	client  *http.Client
}

func NewScriptExecutor(timeout time.Duration) *ScriptExecutor {
	return &ScriptExecutor{
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

func (e *ScriptExecutor) Kind() db.ActionKind {
	return db.KindScript
}

func (e *ScriptExecutor) Validate(action *db.FilterAction) error {
	if scriptSource(action.Config) == "" {
		return &ValidationError{Kind: db.KindScript, Reason: "code is required"}
	}
	return nil
}

// scriptSource reads the JavaScript body out of the action config. Older
// rule rows used "script" for the same value.
func scriptSource(cfg map[string]interface{}) string {
	if src := configString(cfg, "code"); src != "" {
		return src
	}
	return configString(cfg, "script")
}

func (e *ScriptExecutor) Execute(ctx context.Context, ec *ExecContext) error {
	script := scriptSource(ec.Action.Config)

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vm := goja.New()
	if err := e.setupSandbox(execCtx, vm, ec); err != nil {
		return fmt.Errorf("failed to set up script sandbox: %w", err)
	}

	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt("execution timed out")
	})
	defer timer.Stop()

	result, err := vm.RunString(script)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return fmt.Errorf("%w: exceeded %s", consts.ErrScriptTimeout, e.timeout)
		}
		return fmt.Errorf("script execution failed: %w", err)
	}

	// Only the literal false fails the action. Undefined, null, numbers and
	// other falsy values all count as success.
	if b, ok := result.Export().(bool); ok && !b {
		return fmt.Errorf("script returned false")
	}
	return nil
}

func (e *ScriptExecutor) setupSandbox(ctx context.Context, vm *goja.Runtime, ec *ExecContext) error {
	msg := ec.Message
	email := map[string]interface{}{
		"id":        msg.ID,
		"sender":    msg.FromEmail,
		"recipient": msg.ToEmail,
		"subject":   msg.Subject,
		"body":      msg.Body,
		"sentDate":  msg.SentDate.Format(time.RFC3339),
	}
	if err := vm.Set("email", email); err != nil {
		return err
	}

	console := map[string]interface{}{
		"log": func(args ...interface{}) {
			logger.Debug("Script console.log", "message_id", msg.ID, "rule_id", ec.Rule.ID, "args", fmt.Sprint(args...))
		},
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	if err := vm.Set("sleep", func(ms int) {
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
		}
	}); err != nil {
		return err
	}

	return vm.Set("fetch", func(rawURL string, opts map[string]interface{}) (map[string]interface{}, error) {
		return e.fetch(ctx, rawURL, opts)
	})
}

// fetch is the synchronous HTTP call exposed to scripts. It returns
// {status, body} and raises a JS exception on transport errors.
func (e *ScriptExecutor) fetch(ctx context.Context, rawURL string, opts map[string]interface{}) (map[string]interface{}, error) {
	method := http.MethodGet
	var body io.Reader
	var headers map[string]interface{}

	if opts != nil {
		if m, ok := opts["method"].(string); ok && m != "" {
			method = strings.ToUpper(m)
		}
		if b, ok := opts["body"].(string); ok {
			body = strings.NewReader(b)
		}
		headers, _ = opts["headers"].(map[string]interface{})
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("invalid fetch request: %w", err)
	}
	for name, value := range headers {
		if s, ok := value.(string); ok {
			req.Header.Set(name, s)
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, scriptResponseLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to read fetch response: %w", err)
	}

	return map[string]interface{}{
		"status": resp.StatusCode,
		"body":   string(respBody),
	}, nil
}
