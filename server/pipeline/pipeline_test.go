package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StarZeus/mailrelay/db"
	"github.com/StarZeus/mailrelay/pkg/retry"
	"github.com/StarZeus/mailrelay/server/actions"
)

// fastBackoff keeps retry delays out of test runtime.
func fastBackoff() retry.BackoffConfig {
	return retry.BackoffConfig{
		InitialInterval: time.Millisecond,
		Multiplier:      2.0,
		MaxAttempts:     3,
	}
}

type fakeStore struct {
	rules []*db.FilterRule

	mu       sync.Mutex
	outcomes []*db.Outcome
}

func (s *fakeStore) GetEnabledRules(ctx context.Context) ([]*db.FilterRule, error) {
	return s.rules, nil
}

func (s *fakeStore) RecordOutcome(ctx context.Context, outcome *db.Outcome) error {
	// A real pool rejects writes on a cancelled context.
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
	return nil
}

func (s *fakeStore) outcomeForAction(actionID int64) *db.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.outcomes {
		if o.ActionID == actionID {
			return o
		}
	}
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outcomes)
}

// fakeExecutor fails a configurable number of leading attempts, then
// succeeds.
type fakeExecutor struct {
	kind        db.ActionKind
	validateErr error
	failBefore  int // attempts numbered below this fail

	mu       sync.Mutex
	attempts []int
}

func (f *fakeExecutor) Kind() db.ActionKind { return f.kind }

func (f *fakeExecutor) Validate(action *db.FilterAction) error { return f.validateErr }

func (f *fakeExecutor) Execute(ctx context.Context, ec *actions.ExecContext) error {
	f.mu.Lock()
	f.attempts = append(f.attempts, ec.Attempt)
	f.mu.Unlock()
	if ec.Attempt < f.failBefore {
		return errors.New("transient failure")
	}
	return nil
}

func (f *fakeExecutor) seenAttempts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.attempts...)
}

func matchAllRule(id int64, actionKinds ...db.ActionKind) *db.FilterRule {
	rule := &db.FilterRule{ID: id, Name: "rule", Operator: db.OperatorAnd, Enabled: true}
	for i, kind := range actionKinds {
		rule.Actions = append(rule.Actions, &db.FilterAction{
			ID:     id*100 + int64(i),
			RuleID: id,
			Type:   kind,
			Order:  i,
		})
	}
	return rule
}

func testMessage() *db.Message {
	return &db.Message{
		ID:        "msgtest01",
		FromEmail: "alice@example.com",
		ToEmail:   "ops@corp.io",
		Subject:   "hello",
	}
}

func TestProcess_SuccessRecordsOneOutcome(t *testing.T) {
	exec := &fakeExecutor{kind: db.KindWebhook}
	store := &fakeStore{rules: []*db.FilterRule{matchAllRule(1, db.KindWebhook)}}
	engine := New(store, actions.NewRegistry(exec), fastBackoff())

	require.NoError(t, engine.Process(context.Background(), testMessage()))
	engine.Wait()

	require.Equal(t, 1, store.count())
	outcome := store.outcomes[0]
	assert.Equal(t, db.StatusSuccess, outcome.Status)
	assert.Empty(t, outcome.Error)
	assert.Equal(t, "msgtest01", outcome.MessageID)
	assert.Equal(t, int64(1), outcome.RuleID)
	assert.NotEmpty(t, outcome.ID)
	assert.Equal(t, []int{1}, exec.seenAttempts())
}

func TestProcess_TransientFailureRetriesThenSucceeds(t *testing.T) {
	exec := &fakeExecutor{kind: db.KindWebhook, failBefore: 3}
	store := &fakeStore{rules: []*db.FilterRule{matchAllRule(1, db.KindWebhook)}}
	engine := New(store, actions.NewRegistry(exec), fastBackoff())

	require.NoError(t, engine.Process(context.Background(), testMessage()))
	engine.Wait()

	require.Equal(t, 1, store.count())
	assert.Equal(t, db.StatusSuccess, store.outcomes[0].Status)
	assert.Equal(t, []int{1, 2, 3}, exec.seenAttempts())
}

func TestProcess_ExhaustedRetriesRecordFailure(t *testing.T) {
	exec := &fakeExecutor{kind: db.KindWebhook, failBefore: 10}
	store := &fakeStore{rules: []*db.FilterRule{matchAllRule(1, db.KindWebhook)}}
	engine := New(store, actions.NewRegistry(exec), fastBackoff())

	require.NoError(t, engine.Process(context.Background(), testMessage()))
	engine.Wait()

	require.Equal(t, 1, store.count())
	outcome := store.outcomes[0]
	assert.Equal(t, db.StatusFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "after 3 attempts")
	assert.Equal(t, []int{1, 2, 3}, exec.seenAttempts())
}

func TestProcess_ValidationFailureSkipsExecution(t *testing.T) {
	exec := &fakeExecutor{
		kind:        db.KindWebhook,
		validateErr: &actions.ValidationError{Kind: db.KindWebhook, Reason: "url is required"},
	}
	store := &fakeStore{rules: []*db.FilterRule{matchAllRule(1, db.KindWebhook)}}
	engine := New(store, actions.NewRegistry(exec), fastBackoff())

	require.NoError(t, engine.Process(context.Background(), testMessage()))
	engine.Wait()

	require.Equal(t, 1, store.count())
	outcome := store.outcomes[0]
	assert.Equal(t, db.StatusFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "url is required")
	assert.Empty(t, exec.seenAttempts(), "a config that cannot succeed must not be attempted")
}

func TestProcess_UnknownActionTypeRecordsFailure(t *testing.T) {
	store := &fakeStore{rules: []*db.FilterRule{matchAllRule(1, db.ActionKind("teleport"))}}
	engine := New(store, actions.NewRegistry(), fastBackoff())

	require.NoError(t, engine.Process(context.Background(), testMessage()))
	engine.Wait()

	require.Equal(t, 1, store.count())
	assert.Equal(t, db.StatusFailed, store.outcomes[0].Status)
	assert.Contains(t, store.outcomes[0].Error, "no executor registered")
}

func TestProcess_NonMatchingRuleDispatchesNothing(t *testing.T) {
	from := "nobody@nowhere.example"
	rule := matchAllRule(1, db.KindWebhook)
	rule.FromPattern = &from

	exec := &fakeExecutor{kind: db.KindWebhook}
	store := &fakeStore{rules: []*db.FilterRule{rule}}
	engine := New(store, actions.NewRegistry(exec), fastBackoff())

	require.NoError(t, engine.Process(context.Background(), testMessage()))
	engine.Wait()

	assert.Zero(t, store.count())
	assert.Empty(t, exec.seenAttempts())
}

func TestProcess_AllMatchingRulesFire(t *testing.T) {
	exec := &fakeExecutor{kind: db.KindWebhook}
	store := &fakeStore{rules: []*db.FilterRule{
		matchAllRule(1, db.KindWebhook),
		matchAllRule(2, db.KindWebhook),
	}}
	engine := New(store, actions.NewRegistry(exec), fastBackoff())

	require.NoError(t, engine.Process(context.Background(), testMessage()))
	engine.Wait()

	assert.Equal(t, 2, store.count())
}

// One failing action must not poison its siblings: each action of a matched
// rule gets its own outcome with its own status.
func TestProcess_ActionFailureIsIsolated(t *testing.T) {
	okExec := &fakeExecutor{kind: db.KindWebhook}
	badExec := &fakeExecutor{kind: db.KindQueue, failBefore: 10}

	rule := matchAllRule(1, db.KindQueue, db.KindWebhook)
	store := &fakeStore{rules: []*db.FilterRule{rule}}
	engine := New(store, actions.NewRegistry(okExec, badExec), fastBackoff())

	require.NoError(t, engine.Process(context.Background(), testMessage()))
	engine.Wait()

	require.Equal(t, 2, store.count())

	queueOutcome := store.outcomeForAction(rule.Actions[0].ID)
	require.NotNil(t, queueOutcome)
	assert.Equal(t, db.StatusFailed, queueOutcome.Status)

	webhookOutcome := store.outcomeForAction(rule.Actions[1].ID)
	require.NotNil(t, webhookOutcome)
	assert.Equal(t, db.StatusSuccess, webhookOutcome.Status)
}

// blockingExecutor parks until its context is cancelled, standing in for an
// action caught mid-flight by shutdown.
type blockingExecutor struct {
	kind    db.ActionKind
	started chan struct{}
	once    sync.Once
}

func (b *blockingExecutor) Kind() db.ActionKind { return b.kind }

func (b *blockingExecutor) Validate(action *db.FilterAction) error { return nil }

func (b *blockingExecutor) Execute(ctx context.Context, ec *actions.ExecContext) error {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return ctx.Err()
}

// Cancelling the processing context must still leave an outcome row behind:
// the audit trail records how every dispatched action ended, shutdown
// included.
func TestProcess_ShutdownStillRecordsOutcome(t *testing.T) {
	exec := &blockingExecutor{kind: db.KindWebhook, started: make(chan struct{})}
	store := &fakeStore{rules: []*db.FilterRule{matchAllRule(1, db.KindWebhook)}}
	engine := New(store, actions.NewRegistry(exec), fastBackoff())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, engine.Process(ctx, testMessage()))
	<-exec.started
	cancel()
	engine.Wait()

	require.Equal(t, 1, store.count())
	assert.Equal(t, db.StatusFailed, store.outcomes[0].Status)
	assert.NotEmpty(t, store.outcomes[0].Error)
}

// A retrying action must not delay its siblings: the fast action's outcome
// lands while the slow one is still backing off.
func TestProcess_RetryingActionDoesNotBlockSiblings(t *testing.T) {
	slowBackoff := retry.BackoffConfig{
		InitialInterval: 200 * time.Millisecond,
		Multiplier:      2.0,
		MaxAttempts:     3,
	}
	okExec := &fakeExecutor{kind: db.KindWebhook}
	slowExec := &fakeExecutor{kind: db.KindQueue, failBefore: 10}

	rule := matchAllRule(1, db.KindQueue, db.KindWebhook)
	store := &fakeStore{rules: []*db.FilterRule{rule}}
	engine := New(store, actions.NewRegistry(okExec, slowExec), slowBackoff)

	require.NoError(t, engine.Process(context.Background(), testMessage()))

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		if store.outcomeForAction(rule.Actions[1].ID) != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	webhookOutcome := store.outcomeForAction(rule.Actions[1].ID)
	require.NotNil(t, webhookOutcome, "fast action should finish while slow action is still retrying")
	assert.Nil(t, store.outcomeForAction(rule.Actions[0].ID))

	engine.Wait()
	assert.Equal(t, 2, store.count())
}
