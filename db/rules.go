package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/StarZeus/mailrelay/consts"
)

// RuleOperator combines the per-field pattern results of a rule.
type RuleOperator string

const (
	OperatorAnd RuleOperator = "AND"
	OperatorOr  RuleOperator = "OR"
)

// ActionKind is the closed set of action types an executor can be
// registered for.
type ActionKind string

const (
	KindForward  ActionKind = "forward"
	KindWebhook  ActionKind = "webhook"
	KindQueue    ActionKind = "queue"
	KindScript   ActionKind = "script"
	KindTemplate ActionKind = "template"
)

// FilterRule is a named condition over message fields plus an ordered list
// of actions. Rules are authored through an external surface; the pipeline
// only ever reads them.
type FilterRule struct {
	ID             int64
	Name           string
	FromPattern    *string
	ToPattern      *string
	SubjectPattern *string
	Operator       RuleOperator
	Enabled        bool
	Priority       int
	Actions        []*FilterAction
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FilterAction is one side-effecting unit of work attached to a rule. Order
// is unique within a rule and defines the execution sequence.
type FilterAction struct {
	ID     int64
	RuleID int64
	Type   ActionKind
	Config map[string]interface{}
	Order  int
}

// GetEnabledRules returns all enabled rules in priority order, each with its
// actions loaded in execution order.
func (db *Database) GetEnabledRules(ctx context.Context) ([]*FilterRule, error) {
	return db.queryRules(ctx, "get_enabled_rules", `
		SELECT id, name, from_pattern, to_pattern, subject_pattern, operator, enabled, priority, created_at, updated_at
		FROM filter_rules
		WHERE enabled = TRUE
		ORDER BY priority, id`)
}

// ListRules returns all rules, enabled or not, in priority order. Used by
// the HTTP API for read-only visibility.
func (db *Database) ListRules(ctx context.Context) ([]*FilterRule, error) {
	return db.queryRules(ctx, "list_rules", `
		SELECT id, name, from_pattern, to_pattern, subject_pattern, operator, enabled, priority, created_at, updated_at
		FROM filter_rules
		ORDER BY priority, id`)
}

// GetRule returns a single rule with its actions.
func (db *Database) GetRule(ctx context.Context, ruleID int64) (*FilterRule, error) {
	var rule FilterRule
	err := db.timedQueryRow(ctx, "get_rule", `
		SELECT id, name, from_pattern, to_pattern, subject_pattern, operator, enabled, priority, created_at, updated_at
		FROM filter_rules
		WHERE id = $1`, ruleID).
		Scan(&rule.ID, &rule.Name, &rule.FromPattern, &rule.ToPattern, &rule.SubjectPattern,
			&rule.Operator, &rule.Enabled, &rule.Priority, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, consts.ErrRuleNotFound
		}
		return nil, err
	}

	if err := db.loadActions(ctx, []*FilterRule{&rule}); err != nil {
		return nil, err
	}
	return &rule, nil
}

func (db *Database) queryRules(ctx context.Context, operation, sql string) ([]*FilterRule, error) {
	rows, err := db.timedQuery(ctx, operation, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*FilterRule
	for rows.Next() {
		var rule FilterRule
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.FromPattern, &rule.ToPattern, &rule.SubjectPattern,
			&rule.Operator, &rule.Enabled, &rule.Priority, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, err
		}
		rules = append(rules, &rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := db.loadActions(ctx, rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// loadActions attaches the ordered action list of every given rule.
func (db *Database) loadActions(ctx context.Context, rules []*FilterRule) error {
	if len(rules) == 0 {
		return nil
	}

	byID := make(map[int64]*FilterRule, len(rules))
	ids := make([]int64, 0, len(rules))
	for _, rule := range rules {
		byID[rule.ID] = rule
		ids = append(ids, rule.ID)
	}

	rows, err := db.timedQuery(ctx, "load_actions", `
		SELECT id, rule_id, action_type, config, action_order
		FROM filter_actions
		WHERE rule_id = ANY($1)
		ORDER BY rule_id, action_order`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var action FilterAction
		if err := rows.Scan(&action.ID, &action.RuleID, &action.Type, &action.Config, &action.Order); err != nil {
			return fmt.Errorf("failed to scan filter action: %w", err)
		}
		rule, ok := byID[action.RuleID]
		if !ok {
			continue
		}
		rule.Actions = append(rule.Actions, &action)
	}
	return rows.Err()
}
