package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomaestro/maestro/pkg/event"
	"github.com/gomaestro/maestro/pkg/protocol"
)

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordStep("completed")
	m.RecordToolCall("echo", "ok", time.Second)
	m.RecordTokens("gpt-4o", 10)
	m.ObserveTurn("generalist", time.Second)
	m.RecordEvent("part_delta")
	assert.NotNil(t, m.Handler())
}

func TestCollectorObservesEvents(t *testing.T) {
	m := NewMetrics()
	c := NewCollector(m, nil)

	ev := event.New("t1", event.KindStepStatusChanged)
	ev.StepID = "s1"
	ev.StepStatus = "completed"
	c.observe(ev)

	rev := event.New("t1", event.KindToolCallResult)
	rev.ToolResult = &protocol.ToolResult{
		Name: "echo", IsError: true, Kind: protocol.KindValidation,
		Duration: 20 * time.Millisecond,
	}
	c.observe(rev)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCallsTotal.WithLabelValues("echo", "validation")))
	assert.Equal(t, 2.0,
		testutil.ToFloat64(m.eventsTotal.WithLabelValues("step_status_changed"))+
			testutil.ToFloat64(m.eventsTotal.WithLabelValues("tool_call_result")))
}

func TestMetricsHandlerExposition(t *testing.T) {
	m := NewMetrics()
	m.RecordStep("failed")
	m.RecordTokens("claude", 42)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "maestro_steps_total")
	assert.Contains(t, body, "maestro_llm_tokens_total")
	require.True(t, strings.Contains(body, `model="claude"`))
}

func TestInitTracerNoopByDefault(t *testing.T) {
	tracer, shutdown, err := InitTracer(nil)
	require.NoError(t, err)
	require.NotNil(t, tracer)
	require.NoError(t, shutdown(t.Context()))
}

func TestInitTracerExportsSpans(t *testing.T) {
	var sb strings.Builder
	tracer, shutdown, err := InitTracer(&sb)
	require.NoError(t, err)

	_, span := tracer.Start(t.Context(), "dispatch")
	span.End()
	require.NoError(t, shutdown(t.Context()))
	assert.Contains(t, sb.String(), "dispatch")
}
