package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomaestro/maestro/pkg/bus"
	"github.com/gomaestro/maestro/pkg/config"
	"github.com/gomaestro/maestro/pkg/event"
	"github.com/gomaestro/maestro/pkg/llms"
	"github.com/gomaestro/maestro/pkg/memory"
	"github.com/gomaestro/maestro/pkg/observability"
	"github.com/gomaestro/maestro/pkg/orchestrator"
	"github.com/gomaestro/maestro/pkg/taskspace"
	"github.com/gomaestro/maestro/pkg/testutils"
	"github.com/gomaestro/maestro/pkg/tool"
)

type sharness struct {
	store   *taskspace.Store
	bus     *bus.Bus
	emitter *bus.Emitter
	ts      *httptest.Server
}

func newSHarness(t *testing.T, provider *testutils.ScriptedProvider) *sharness {
	t.Helper()
	store, err := taskspace.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := bus.New(store)
	reg := tool.NewRegistry()
	providers := llms.NewRegistry()
	require.NoError(t, providers.Register("default", provider))

	cfg := &config.Config{}
	cfg.SetDefaults()
	gateway := memory.NewGateway(store)
	t.Cleanup(gateway.Close)

	manager := orchestrator.NewManager(orchestrator.Deps{
		Store:     store,
		Emitter:   bus.NewEmitter(store, b),
		Registry:  reg,
		Executor:  tool.NewExecutor(reg),
		Providers: providers,
		Memory:    gateway,
		Config:    cfg,
	})
	t.Cleanup(manager.Close)

	srv := New(manager, store, b, Options{Metrics: observability.NewMetrics()})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &sharness{store: store, bus: b, emitter: bus.NewEmitter(store, b), ts: ts}
}

func (h *sharness) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(h.ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func (h *sharness) createTask(t *testing.T, goal string) string {
	t.Helper()
	resp := h.post(t, "/tasks", map[string]string{"goal": goal, "user_id": "u1"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.TaskID)
	return out.TaskID
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestCreateAndGetTask(t *testing.T) {
	h := newSHarness(t, testutils.NewScriptedProvider())
	taskID := h.createTask(t, "")

	resp, err := http.Get(h.ts.URL + "/tasks/" + taskID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		TaskID      string `json:"task_id"`
		Status      string `json:"status"`
		Goal        string `json:"goal"`
		PlanVersion int    `json:"plan_version"`
	}
	decodeBody(t, resp, &out)
	assert.Equal(t, taskID, out.TaskID)
	assert.Equal(t, string(taskspace.StatusPending), out.Status)
	assert.Zero(t, out.PlanVersion)
}

func TestGetUnknownTaskIs404(t *testing.T) {
	h := newSHarness(t, testutils.NewScriptedProvider())
	resp, err := http.Get(h.ts.URL + "/tasks/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// readSSE collects n SSE frames and returns their id/event/data fields.
func readSSE(t *testing.T, body io.Reader, n int) []map[string]string {
	t.Helper()
	var frames []map[string]string
	frame := map[string]string{}
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(frame) > 0 {
				frames = append(frames, frame)
				frame = map[string]string{}
				if len(frames) == n {
					return frames
				}
			}
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if ok {
			frame[key] = value
		}
	}
	t.Fatalf("stream ended after %d frames, wanted %d", len(frames), n)
	return nil
}

func emitN(t *testing.T, h *sharness, taskID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := event.New(taskID, event.KindTaskUpdate)
		ev.TaskStatus = fmt.Sprintf("status-%d", i+1)
		_, err := h.emitter.Emit(ev)
		require.NoError(t, err)
	}
}

func TestEventsReplayFromSeq(t *testing.T) {
	h := newSHarness(t, testutils.NewScriptedProvider())
	taskID := h.createTask(t, "")
	emitN(t, h, taskID, 3)

	resp, err := http.Get(h.ts.URL + "/tasks/" + taskID + "/events?from_seq=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readSSE(t, resp.Body, 2)
	assert.Equal(t, "2", frames[0]["id"])
	assert.Equal(t, "task_update", frames[0]["event"])
	assert.Equal(t, "3", frames[1]["id"])
	assert.Contains(t, frames[1]["data"], `"seq":3`)
}

func TestEventsResumeWithLastEventID(t *testing.T) {
	h := newSHarness(t, testutils.NewScriptedProvider())
	taskID := h.createTask(t, "")
	emitN(t, h, taskID, 3)

	req, err := http.NewRequest("GET", h.ts.URL+"/tasks/"+taskID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	frames := readSSE(t, resp.Body, 1)
	assert.Equal(t, "2", frames[0]["id"], "delivery resumes after the acknowledged id")
}

func TestArtifactRoundTripIsBinarySafe(t *testing.T) {
	h := newSHarness(t, testutils.NewScriptedProvider())
	taskID := h.createTask(t, "")

	payload := []byte{0x00, 0xFF, 0x10, 'a', 0x00, 'b'}
	_, err := h.store.WriteArtifact(taskID, "bin/blob.dat", payload)
	require.NoError(t, err)

	resp, err := http.Get(h.ts.URL + "/tasks/" + taskID + "/artifacts")
	require.NoError(t, err)
	var list struct {
		Artifacts []taskspace.ArtifactInfo `json:"artifacts"`
	}
	decodeBody(t, resp, &list)
	require.Len(t, list.Artifacts, 1)
	assert.Equal(t, "bin/blob.dat", list.Artifacts[0].Path)

	resp, err = http.Get(h.ts.URL + "/tasks/" + taskID + "/artifacts/bin/blob.dat")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDeleteTask(t *testing.T) {
	h := newSHarness(t, testutils.NewScriptedProvider())
	taskID := h.createTask(t, "")

	req, err := http.NewRequest("DELETE", h.ts.URL+"/tasks/"+taskID+"?purge=1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(h.ts.URL + "/tasks/" + taskID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelRejectsUnknownScope(t *testing.T) {
	h := newSHarness(t, testutils.NewScriptedProvider())
	taskID := h.createTask(t, "")

	resp := h.post(t, "/tasks/"+taskID+"/cancel", map[string]string{"scope": "everything"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthzAndMetrics(t *testing.T) {
	h := newSHarness(t, testutils.NewScriptedProvider())

	resp, err := http.Get(h.ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}
