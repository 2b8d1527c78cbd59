package db

import (
	"context"
	"fmt"
	"time"

	"github.com/StarZeus/mailrelay/consts"
	"github.com/StarZeus/mailrelay/helpers"
	"github.com/StarZeus/mailrelay/pkg/metrics"
)

// OutcomeStatus is the terminal state of one action execution sequence.
type OutcomeStatus string

const (
	StatusSuccess OutcomeStatus = "success"
	StatusFailed  OutcomeStatus = "failed"
)

// Outcome is the persisted result of executing one action of one matched
// rule for one message. Written exactly once per dispatch attempt sequence
// and never mutated afterwards.
type Outcome struct {
	ID        string
	MessageID string
	RuleID    int64
	ActionID  int64
	Status    OutcomeStatus
	Error     string
	CreatedAt time.Time
}

// OutcomeRecorder is the contract the dispatcher depends on. *Database
// satisfies it; tests substitute an in-memory recorder.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, outcome *Outcome) error
}

// RecordOutcome appends one outcome row to the audit trail.
func (db *Database) RecordOutcome(ctx context.Context, outcome *Outcome) error {
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = time.Now()
	}

	err := db.timedExec(ctx, "record_outcome", `
		INSERT INTO rule_outcomes (id, message_id, rule_id, action_id, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		outcome.ID, outcome.MessageID, outcome.RuleID, outcome.ActionID,
		outcome.Status, helpers.SanitizeUTF8(outcome.Error), outcome.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: outcome for message %s: %v", consts.ErrDBInsertFailed, outcome.MessageID, err)
	}

	metrics.OutcomesRecorded.WithLabelValues(string(outcome.Status)).Inc()
	return nil
}

// ListOutcomesByMessage returns the audit trail of one message in write
// order.
func (db *Database) ListOutcomesByMessage(ctx context.Context, messageID string) ([]*Outcome, error) {
	rows, err := db.timedQuery(ctx, "list_outcomes", `
		SELECT id, message_id, rule_id, action_id, status, COALESCE(error, ''), created_at
		FROM rule_outcomes
		WHERE message_id = $1
		ORDER BY created_at, id`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []*Outcome
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.ID, &o.MessageID, &o.RuleID, &o.ActionID, &o.Status, &o.Error, &o.CreatedAt); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, &o)
	}
	return outcomes, rows.Err()
}
