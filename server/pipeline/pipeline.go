// Package pipeline wires rule evaluation to action dispatch. One Engine
// instance serves the whole process; Process is called once per ingested
// message.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/StarZeus/mailrelay/db"
	"github.com/StarZeus/mailrelay/logger"
	"github.com/StarZeus/mailrelay/pkg/metrics"
	"github.com/StarZeus/mailrelay/pkg/retry"
	"github.com/StarZeus/mailrelay/server/actions"
	"github.com/StarZeus/mailrelay/server/idgen"
	"github.com/StarZeus/mailrelay/server/rules"
)

// Store is the persistence surface the engine needs: the current rule set
// and the outcome audit trail. *db.Database satisfies it.
type Store interface {
	GetEnabledRules(ctx context.Context) ([]*db.FilterRule, error)
	RecordOutcome(ctx context.Context, outcome *db.Outcome) error
}

type Engine struct {
	store    Store
	registry *actions.Registry
	backoff  retry.BackoffConfig

	wg sync.WaitGroup
}

func New(store Store, registry *actions.Registry, backoff retry.BackoffConfig) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		backoff:  backoff,
	}
}

// Process evaluates every enabled rule against a message, in priority order,
// and dispatches the actions of each matching rule. All matching rules fire;
// matching is not first-match-wins.
//
// Evaluation is synchronous and cheap. Action execution is handed off to
// per-action goroutines, so Process returns as soon as dispatch is done and
// one slow or retrying action never delays the actions of sibling rules.
func (e *Engine) Process(ctx context.Context, msg *db.Message) error {
	ruleSet, err := e.store.GetEnabledRules(ctx)
	if err != nil {
		return err
	}

	for _, rule := range ruleSet {
		if !rules.Matches(msg, rule) {
			metrics.RuleEvaluations.WithLabelValues("no_match").Inc()
			continue
		}
		metrics.RuleEvaluations.WithLabelValues("match").Inc()
		logger.Info("Rule matched", "message_id", msg.ID, "rule_id", rule.ID, "rule", rule.Name, "actions", len(rule.Actions))
		e.dispatch(ctx, msg, rule)
	}
	return nil
}

// Wait blocks until all in-flight actions have recorded their outcomes.
// Called during shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// dispatch launches one goroutine per action, in stored order. Launch order
// follows action_order so same-millisecond outcome records still read in
// sequence, but actions run independently: a retrying action never blocks
// the ones after it.
func (e *Engine) dispatch(ctx context.Context, msg *db.Message, rule *db.FilterRule) {
	for _, action := range rule.Actions {
		e.wg.Add(1)
		go func(action *db.FilterAction) {
			defer e.wg.Done()
			e.runAction(ctx, msg, rule, action)
		}(action)
	}
}

// runAction executes one action to completion and records exactly one
// outcome, whatever happens. A failure here is terminal for this action
// only; it never propagates to sibling actions or other rules.
func (e *Engine) runAction(ctx context.Context, msg *db.Message, rule *db.FilterRule, action *db.FilterAction) {
	status, errMsg := e.execute(ctx, msg, rule, action)

	// Shutdown cancels ctx, which aborts pending retry sleeps — but the
	// resulting outcome still has to land in the audit trail, so the write
	// runs on a context detached from that cancellation. Wait() holds the
	// database pool open until these writes finish.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	outcome := &db.Outcome{
		ID:        idgen.New(),
		MessageID: msg.ID,
		RuleID:    rule.ID,
		ActionID:  action.ID,
		Status:    status,
		Error:     errMsg,
	}
	if err := e.store.RecordOutcome(recordCtx, outcome); err != nil {
		logger.Error("Failed to record action outcome",
			"message_id", msg.ID, "rule_id", rule.ID, "action_id", action.ID, "error", err)
	}
}

func (e *Engine) execute(ctx context.Context, msg *db.Message, rule *db.FilterRule, action *db.FilterAction) (db.OutcomeStatus, string) {
	actionType := string(action.Type)

	executor, err := e.registry.Get(action.Type)
	if err != nil {
		metrics.ActionExecutions.WithLabelValues(actionType, "failure").Inc()
		return db.StatusFailed, err.Error()
	}

	// A config that fails validation can never succeed, so it gets a single
	// failed outcome and no retries.
	if err := executor.Validate(action); err != nil {
		logger.Warn("Action config rejected",
			"message_id", msg.ID, "rule_id", rule.ID, "action_id", action.ID, "type", actionType, "error", err)
		metrics.ValidationFailures.WithLabelValues(actionType).Inc()
		metrics.ActionExecutions.WithLabelValues(actionType, "failure").Inc()
		return db.StatusFailed, err.Error()
	}

	start := time.Now()
	err = retry.WithRetry(ctx, e.backoff, func(attempt int) error {
		if attempt > 1 {
			metrics.ActionRetries.WithLabelValues(actionType).Inc()
		}
		execErr := executor.Execute(ctx, &actions.ExecContext{
			Message: msg,
			Rule:    rule,
			Action:  action,
			Attempt: attempt,
		})
		if execErr != nil {
			logger.Warn("Action attempt failed",
				"message_id", msg.ID, "rule_id", rule.ID, "action_id", action.ID,
				"type", actionType, "attempt", attempt, "error", execErr)
		}
		return execErr
	})
	metrics.ActionDuration.WithLabelValues(actionType).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ActionExecutions.WithLabelValues(actionType, "failure").Inc()
		return db.StatusFailed, err.Error()
	}

	metrics.ActionExecutions.WithLabelValues(actionType, "success").Inc()
	logger.Debug("Action completed",
		"message_id", msg.ID, "rule_id", rule.ID, "action_id", action.ID, "type", actionType)
	return db.StatusSuccess, ""
}
