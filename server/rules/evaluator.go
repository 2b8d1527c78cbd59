package rules

import (
	"github.com/StarZeus/mailrelay/db"
)

// Matches decides whether a rule applies to a message.
//
// The sender, recipient and subject patterns are evaluated independently
// against the corresponding message fields and combined with the rule's
// operator: AND requires all three, OR requires at least one. Because a nil
// pattern matches vacuously, a rule with all three patterns absent matches
// every message.
func Matches(msg *db.Message, rule *db.FilterRule) bool {
	fromMatch := Match(msg.FromEmail, rule.FromPattern)
	toMatch := Match(msg.ToEmail, rule.ToPattern)
	subjectMatch := Match(msg.Subject, rule.SubjectPattern)

	switch rule.Operator {
	case db.OperatorOr:
		return fromMatch || toMatch || subjectMatch
	default:
		// AND is the default for unset or unknown operators; the schema
		// constrains the column to AND/OR.
		return fromMatch && toMatch && subjectMatch
	}
}
