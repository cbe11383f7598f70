package observability

import (
	"context"
	"log/slog"

	"github.com/gomaestro/maestro/pkg/bus"
	"github.com/gomaestro/maestro/pkg/event"
)

// Collector derives metrics from the live event stream so domain packages
// stay free of instrumentation for anything the events already describe.
type Collector struct {
	metrics *Metrics
	logger  *slog.Logger
}

// NewCollector creates a collector feeding the given metrics.
func NewCollector(m *Metrics, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{metrics: m, logger: logger}
}

// Run subscribes to the whole bus and counts events until ctx is done.
func (c *Collector) Run(ctx context.Context, b *bus.Bus) {
	sub := b.SubscribeAll(ctx)
	defer sub.Close()
	for ev := range sub.Events() {
		c.observe(ev)
	}
	if err := sub.Err(); err != nil && ctx.Err() == nil {
		c.logger.Warn("metrics collector disconnected", "error", err)
	}
}

func (c *Collector) observe(ev event.Event) {
	c.metrics.RecordEvent(string(ev.Kind))
	switch ev.Kind {
	case event.KindStepStatusChanged:
		c.metrics.RecordStep(ev.StepStatus)
	case event.KindToolCallResult:
		if ev.ToolResult == nil {
			return
		}
		outcome := "ok"
		if ev.ToolResult.IsError {
			outcome = string(ev.ToolResult.Kind)
		}
		c.metrics.RecordToolCall(ev.ToolResult.Name, outcome, ev.ToolResult.Duration)
	}
}
