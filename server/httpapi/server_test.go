package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StarZeus/mailrelay/consts"
	"github.com/StarZeus/mailrelay/db"
	"github.com/StarZeus/mailrelay/server/templates"
)

type fakeStore struct {
	rules    []*db.FilterRule
	messages []*db.Message
	outcomes []*db.Outcome
	pingErr  error
}

func (f *fakeStore) ListRules(ctx context.Context) ([]*db.FilterRule, error) {
	return f.rules, nil
}

func (f *fakeStore) GetRule(ctx context.Context, ruleID int64) (*db.FilterRule, error) {
	for _, rule := range f.rules {
		if rule.ID == ruleID {
			return rule, nil
		}
	}
	return nil, consts.ErrRuleNotFound
}

func (f *fakeStore) GetMessage(ctx context.Context, messageID string) (*db.Message, error) {
	for _, msg := range f.messages {
		if msg.ID == messageID {
			return msg, nil
		}
	}
	return nil, consts.ErrDBNotFound
}

func (f *fakeStore) ListOutcomesByMessage(ctx context.Context, messageID string) ([]*db.Outcome, error) {
	var out []*db.Outcome
	for _, o := range f.outcomes {
		if o.MessageID == messageID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	return f.pingErr
}

const testAPIKey = "test-api-key"

func newTestServer(t *testing.T, store *fakeStore) *httptest.Server {
	t.Helper()
	s, err := New(store, templates.NewEngine(), ServerOptions{
		Addr:   ":0",
		APIKey: testAPIKey,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(s.setupRoutes())
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url, apiKey, body string) *http.Response {
	t.Helper()
	var reader *strings.Reader = strings.NewReader(body)
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(&fakeStore{}, templates.NewEngine(), ServerOptions{Addr: ":0"})
	assert.Error(t, err)
}

func TestAuth(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})

	resp := doRequest(t, "GET", srv.URL+"/api/v1/rules", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doRequest(t, "GET", srv.URL+"/api/v1/rules", "wrong-key", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doRequest(t, "GET", srv.URL+"/api/v1/rules", testAPIKey, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})

	resp := doRequest(t, "GET", srv.URL+"/api/v1/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeBody(t, resp)["status"])
}

func TestHealthReportsDatabaseOutage(t *testing.T) {
	srv := newTestServer(t, &fakeStore{pingErr: errors.New("down")})

	resp := doRequest(t, "GET", srv.URL+"/api/v1/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})

	resp := doRequest(t, "GET", srv.URL+"/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRenderTemplate(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})

	resp := doRequest(t, "POST", srv.URL+"/api/v1/templates/render", testAPIKey,
		`{"template": "# Hello {{name}}", "templateType": "markdown", "data": {"name": "Ops"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Contains(t, body["html"], "<h1>Hello Ops</h1>")
}

func TestRenderTemplateCompileError(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})

	resp := doRequest(t, "POST", srv.URL+"/api/v1/templates/render", testAPIKey,
		`{"template": "{{#if x}}unclosed"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "Template rendering failed", body["error"])
	assert.Contains(t, body["details"], "unclosed")
}

func TestRenderTemplateRequiresTemplate(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})

	resp := doRequest(t, "POST", srv.URL+"/api/v1/templates/render", testAPIKey, `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListOutcomes(t *testing.T) {
	store := &fakeStore{
		outcomes: []*db.Outcome{
			{ID: "o1", MessageID: "m1", RuleID: 1, ActionID: 10, Status: db.StatusSuccess, CreatedAt: time.Now()},
			{ID: "o2", MessageID: "m1", RuleID: 1, ActionID: 11, Status: db.StatusFailed, Error: "boom", CreatedAt: time.Now()},
			{ID: "o3", MessageID: "m2", RuleID: 2, ActionID: 20, Status: db.StatusSuccess, CreatedAt: time.Now()},
		},
	}
	srv := newTestServer(t, store)

	resp := doRequest(t, "GET", srv.URL+"/api/v1/outcomes?message_id=m1", testAPIKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(2), body["count"])
	outcomes := body["outcomes"].([]interface{})
	second := outcomes[1].(map[string]interface{})
	assert.Equal(t, "failed", second["status"])
	assert.Equal(t, "boom", second["error"])
}

func TestListOutcomesRequiresMessageID(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})

	resp := doRequest(t, "GET", srv.URL+"/api/v1/outcomes", testAPIKey, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListRules(t *testing.T) {
	from := "*@example.com"
	store := &fakeStore{
		rules: []*db.FilterRule{
			{
				ID:          1,
				Name:        "forward billing",
				FromPattern: &from,
				Operator:    db.OperatorAnd,
				Enabled:     true,
				Priority:    10,
				Actions: []*db.FilterAction{
					{ID: 5, RuleID: 1, Type: db.KindForward, Config: map[string]interface{}{"forwardTo": "ops@corp.io"}, Order: 0},
				},
			},
		},
	}
	srv := newTestServer(t, store)

	resp := doRequest(t, "GET", srv.URL+"/api/v1/rules", testAPIKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["count"])
	rule := body["rules"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "forward billing", rule["name"])
	assert.Equal(t, "*@example.com", rule["from_pattern"])
	actions := rule["actions"].([]interface{})
	require.Len(t, actions, 1)
	assert.Equal(t, "forward", actions[0].(map[string]interface{})["type"])
}

func TestGetRule(t *testing.T) {
	store := &fakeStore{
		rules: []*db.FilterRule{
			{ID: 7, Name: "escalate urgent", Operator: db.OperatorOr, Enabled: true},
		},
	}
	srv := newTestServer(t, store)

	resp := doRequest(t, "GET", srv.URL+"/api/v1/rules/7", testAPIKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "escalate urgent", body["name"])
	assert.Equal(t, "OR", body["operator"])

	resp = doRequest(t, "GET", srv.URL+"/api/v1/rules/99", testAPIKey, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetMessage(t *testing.T) {
	store := &fakeStore{
		messages: []*db.Message{
			{
				ID:          "msg01abc",
				FromEmail:   "alice@example.com",
				ToEmail:     "support@corp.io",
				Subject:     "printer on fire",
				Body:        "please advise",
				ContentHash: "cafe",
				SentDate:    time.Now(),
				ReceivedAt:  time.Now(),
				Attachments: []*db.Attachment{
					{ID: "att01", Filename: "log.txt", ContentType: "text/plain", Size: 30, Content: []byte("secret bytes")},
				},
			},
		},
	}
	srv := newTestServer(t, store)

	resp := doRequest(t, "GET", srv.URL+"/api/v1/messages/msg01abc", testAPIKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "alice@example.com", body["from_email"])
	assert.Equal(t, "printer on fire", body["subject"])
	attachments := body["attachments"].([]interface{})
	require.Len(t, attachments, 1)
	att := attachments[0].(map[string]interface{})
	assert.Equal(t, "log.txt", att["filename"])
	// Attachment bytes stay in the database.
	assert.NotContains(t, att, "content")

	resp = doRequest(t, "GET", srv.URL+"/api/v1/messages/nope", testAPIKey, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
