package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preparedhq/prepflow/api"
	"github.com/preparedhq/prepflow/feedback"
	"github.com/preparedhq/prepflow/kv"
	"github.com/preparedhq/prepflow/profile"
	"github.com/preparedhq/prepflow/progress"
	"github.com/preparedhq/prepflow/store"
	"github.com/preparedhq/prepflow/task"
)

type testEnv struct {
	mem     *store.Memory
	machine *task.Machine
	bus     *progress.Bus
	srv     *httptest.Server
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := store.NewMemory()
	machine := task.NewMachine(mem, nil)
	bus := progress.NewBus(kv.NewMemoryBucket(), kv.NewMemoryEventBus(), nil)

	server := api.NewServer(mem, machine,
		profile.NewService(mem),
		feedback.NewService(mem, nil),
		bus, nil)

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &testEnv{mem: mem, machine: machine, bus: bus, srv: srv}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (e *testEnv) patch(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPatch, e.srv.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) createTask(t *testing.T) *task.Task {
	t.Helper()
	resp := e.post(t, "/tasks", map[string]any{
		"client_id": "client-1",
		"task_type": "prepare_return",
		"tax_year":  2025,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[*task.Task](t, resp)
	require.NotEmpty(t, created.ID)
	return created
}

func TestCreateAndGetTask(t *testing.T) {
	e := newEnv(t)
	created := e.createTask(t)
	assert.Equal(t, task.StatusPending, created.Status)

	resp := e.get(t, "/tasks/"+created.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[*task.Task](t, resp)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "client-1", got.ClientID)
}

func TestCreateTaskValidation(t *testing.T) {
	e := newEnv(t)
	resp := e.post(t, "/tasks", map[string]any{"client_id": "client-1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUnknownTaskIs404(t *testing.T) {
	e := newEnv(t)
	resp := e.get(t, "/tasks/nope")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPatchStatusDrivesLifecycle(t *testing.T) {
	e := newEnv(t)
	created := e.createTask(t)

	resp := e.patch(t, "/tasks/"+created.ID+"/status", map[string]any{
		"status": "assigned", "agent": "preparer-agent",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[*task.Task](t, resp)
	assert.Equal(t, task.StatusAssigned, got.Status)

	resp = e.patch(t, "/tasks/"+created.ID+"/status", map[string]any{"status": "in_progress"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.patch(t, "/tasks/"+created.ID+"/status", map[string]any{"status": "completed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got = decodeBody[*task.Task](t, resp)
	assert.Equal(t, task.StatusCompleted, got.Status)
}

func TestPatchStatusIllegalEdgeIs409(t *testing.T) {
	e := newEnv(t)
	created := e.createTask(t)

	resp := e.patch(t, "/tasks/"+created.ID+"/status", map[string]any{"status": "completed"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListTasksFilters(t *testing.T) {
	e := newEnv(t)
	first := e.createTask(t)
	e.createTask(t)

	resp := e.patch(t, "/tasks/"+first.ID+"/status", map[string]any{
		"status": "assigned", "agent": "preparer-agent",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.get(t, "/tasks?status=pending")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing := decodeBody[struct {
		Count int          `json:"count"`
		Tasks []*task.Task `json:"tasks"`
	}](t, resp)
	assert.Equal(t, 1, listing.Count)

	resp = e.get(t, "/tasks?assigned_agent=preparer-agent")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	byAgent := decodeBody[struct {
		Count int          `json:"count"`
		Tasks []*task.Task `json:"tasks"`
	}](t, resp)
	require.Equal(t, 1, byAgent.Count)
	assert.Equal(t, first.ID, byAgent.Tasks[0].ID)

	resp = e.get(t, "/tasks?status=bogus")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProgressSnapshotEndpoint(t *testing.T) {
	e := newEnv(t)
	created := e.createTask(t)

	resp := e.get(t, "/tasks/"+created.ID+"/progress")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	empty := decodeBody[struct {
		Progress *progress.Event `json:"progress"`
	}](t, resp)
	assert.Nil(t, empty.Progress)

	require.NoError(t, e.bus.Publish(context.Background(), progress.Event{
		TaskID:  created.ID,
		Attempt: 1,
		Stage:   "extracting",
		Percent: 60,
	}))

	resp = e.get(t, "/tasks/"+created.ID+"/progress")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[struct {
		Progress *progress.Event `json:"progress"`
	}](t, resp)
	require.NotNil(t, got.Progress)
	assert.Equal(t, "extracting", got.Progress.Stage)
	assert.Equal(t, 60, got.Progress.Percent)
}

func TestEventStreamDeliversTerminal(t *testing.T) {
	e := newEnv(t)
	created := e.createTask(t)
	ctx := context.Background()

	require.NoError(t, e.bus.Publish(ctx, progress.Event{
		TaskID: created.ID, Attempt: 1, Stage: "scanning", Percent: 20,
	}))

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/tasks/"+created.ID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = e.bus.Publish(ctx, progress.Event{
			TaskID: created.ID, Attempt: 1, Stage: "calculating", Percent: 85,
		})
		_ = e.bus.Publish(ctx, progress.Event{
			TaskID: created.ID, Attempt: 1, Stage: progress.StageComplete,
			Percent: 100, Status: string(task.StatusCompleted),
		})
	}()

	var stages []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev progress.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		stages = append(stages, ev.Stage)
	}
	// Stream ends on its own after the terminal event.
	assert.Equal(t, []string{"scanning", "calculating", progress.StageComplete}, stages)
}

func TestFeedbackEndpoints(t *testing.T) {
	e := newEnv(t)
	created := e.createTask(t)

	resp := e.post(t, "/feedback/implicit", map[string]any{
		"task_id":   created.ID,
		"author":    "preparer-1",
		"original":  "wages_box_1: 85000\nfederal_withheld: 9200\n",
		"corrected": "wages_box_1: 87500\nfederal_withheld: 9200\n",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	implicit := decodeBody[*feedback.Entry](t, resp)
	assert.Equal(t, feedback.KindImplicit, implicit.Kind)
	require.NotNil(t, implicit.Diff)

	// Identical contents violate the capture rule.
	resp = e.post(t, "/feedback/implicit", map[string]any{
		"task_id":   created.ID,
		"author":    "preparer-1",
		"original":  "same",
		"corrected": "same",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	resp = e.post(t, "/feedback/explicit", map[string]any{
		"task_id": created.ID,
		"author":  "preparer-1",
		"tags":    []string{"calculation_fix"},
		"note":    "wage transposition",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = e.post(t, "/feedback/explicit", map[string]any{
		"task_id": created.ID,
		"author":  "preparer-1",
		"tags":    []string{"not_a_tag"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	resp = e.get(t, "/tasks/"+created.ID+"/feedback")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing := decodeBody[struct {
		Count int `json:"count"`
	}](t, resp)
	assert.Equal(t, 2, listing.Count)
}

func TestCheckEndpoint(t *testing.T) {
	e := newEnv(t)
	created := e.createTask(t)

	resp := e.post(t, "/tasks/"+created.ID+"/check", map[string]any{
		"source_values":   map[string]float64{"wages_box_1": 85000},
		"prepared_values": map[string]float64{"wages_box_1": 85100},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decodeBody[struct {
		Clean    bool `json:"clean"`
		Findings []struct {
			Kind  string `json:"kind"`
			Field string `json:"field"`
		} `json:"findings"`
	}](t, resp)
	assert.False(t, report.Clean)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, "wages_box_1", report.Findings[0].Field)
}

func TestDashboard(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.createTask(t) // stays pending

	working := e.createTask(t)
	_, err := e.machine.Assign(ctx, working.ID, "preparer-agent")
	require.NoError(t, err)
	_, err = e.machine.Start(ctx, working.ID)
	require.NoError(t, err)

	flagged := e.createTask(t)
	_, err = e.machine.Assign(ctx, flagged.ID, "preparer-agent")
	require.NoError(t, err)
	_, err = e.machine.Escalate(ctx, flagged.ID, &task.Escalation{
		Reason: "ambiguous_deduction", Blocking: true,
	})
	require.NoError(t, err)

	resp := e.get(t, "/dashboard")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dash := decodeBody[struct {
		QueueDepth     int `json:"queue_depth"`
		EscalatedCount int `json:"escalated_count"`
		AgentActivity  []struct {
			Agent  string `json:"agent"`
			TaskID string `json:"task_id"`
		} `json:"agent_activity"`
		AttentionFlags []struct {
			TaskID string `json:"task_id"`
			Reason string `json:"reason"`
		} `json:"attention_flags"`
	}](t, resp)

	assert.Equal(t, 1, dash.QueueDepth)
	assert.Equal(t, 1, dash.EscalatedCount)
	require.Len(t, dash.AgentActivity, 1)
	assert.Equal(t, working.ID, dash.AgentActivity[0].TaskID)
	require.Len(t, dash.AttentionFlags, 1)
	assert.Equal(t, "ambiguous_deduction", dash.AttentionFlags[0].Reason)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	resp := e.get(t, "/healthz")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
