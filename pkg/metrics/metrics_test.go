package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, m interface {
	Write(*dto.Metric) error
}) float64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatalf("failed to read metric: %v", err)
	}
	return pb.GetCounter().GetValue()
}

func TestActionExecutionCounters(t *testing.T) {
	c := ActionExecutions.WithLabelValues("webhook", "success")
	before := counterValue(t, c)

	c.Inc()
	c.Inc()

	if got := counterValue(t, c); got != before+2 {
		t.Errorf("counter = %v, want %v", got, before+2)
	}
}

func TestLabelIsolation(t *testing.T) {
	success := ActionExecutions.WithLabelValues("forward", "success")
	failure := ActionExecutions.WithLabelValues("forward", "failure")

	before := counterValue(t, failure)
	success.Inc()

	if got := counterValue(t, failure); got != before {
		t.Error("incrementing one label combination must not affect another")
	}
}

func TestRuleEvaluationCounter(t *testing.T) {
	c := RuleEvaluations.WithLabelValues("match")
	before := counterValue(t, c)
	c.Inc()
	if got := counterValue(t, c); got != before+1 {
		t.Errorf("counter = %v, want %v", got, before+1)
	}
}
