package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
)

// labeledCounter is a total plus a per-label breakdown. Safe for concurrent use from
// middlewares, services and the exposition handler.
type labeledCounter struct {
	total   uint64
	mu      sync.Mutex
	byLabel map[string]uint64
}

func (c *labeledCounter) inc(label string) {
	atomic.AddUint64(&c.total, 1)
	c.mu.Lock()
	if c.byLabel == nil {
		c.byLabel = make(map[string]uint64)
	}
	c.byLabel[label]++
	c.mu.Unlock()
}

func (c *labeledCounter) snapshot() (uint64, map[string]uint64) {
	total := atomic.LoadUint64(&c.total)
	c.mu.Lock()
	defer c.mu.Unlock()
	by := make(map[string]uint64, len(c.byLabel))
	for k, v := range c.byLabel {
		by[k] = v
	}
	return total, by
}

var (
	rateLimitDrops labeledCounter
	outboxOutcomes labeledCounter
	executions     labeledCounter
	replays        labeledCounter
)

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	rateLimitDrops.inc(prefix)
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (uint64, map[string]uint64) {
	return rateLimitDrops.snapshot()
}

// IncOutboxOutcome counts one delivery attempt by outcome: sent, retry or failed.
func IncOutboxOutcome(outcome string) {
	outboxOutcomes.inc(outcome)
}

func OutboxSnapshot() (uint64, map[string]uint64) {
	return outboxOutcomes.snapshot()
}

// IncExecution counts one non dry-run approval execution by result status.
func IncExecution(status string) {
	executions.inc(status)
}

func ExecutionSnapshot() (uint64, map[string]uint64) {
	return executions.snapshot()
}

// IncIdempotentReplay counts responses served from a stored idempotency record.
func IncIdempotentReplay(endpoint string) {
	replays.inc(endpoint)
}

func ReplaySnapshot() (uint64, map[string]uint64) {
	return replays.snapshot()
}

// WritePrometheus writes every counter in the Prometheus text exposition format.
func WritePrometheus(w io.Writer) error {
	families := []struct {
		name  string
		help  string
		label string
		c     *labeledCounter
	}{
		{"apartmentbot_rate_limit_dropped_total", "Requests rejected by the rate limiter.", "prefix", &rateLimitDrops},
		{"apartmentbot_outbox_deliveries_total", "Outbox delivery attempts by outcome.", "outcome", &outboxOutcomes},
		{"apartmentbot_automation_executions_total", "Approval executions by result status.", "status", &executions},
		{"apartmentbot_idempotent_replays_total", "Responses replayed from an idempotency record.", "endpoint", &replays},
	}
	for _, f := range families {
		_, by := f.c.snapshot()
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n", f.name, f.help, f.name); err != nil {
			return err
		}
		keys := make([]string, 0, len(by))
		for k := range by {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, err := fmt.Fprintf(w, "%s{%s=%q} %d\n", f.name, f.label, k, by[k]); err != nil {
				return err
			}
		}
	}
	return nil
}

// reset clears every counter. Tests only.
func reset() {
	rateLimitDrops = labeledCounter{}
	outboxOutcomes = labeledCounter{}
	executions = labeledCounter{}
	replays = labeledCounter{}
}
