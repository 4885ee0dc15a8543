// Package api exposes the HTTP surface: task intake and lifecycle,
// progress streaming, the operations dashboard, feedback capture, and
// the checker hook.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/preparedhq/prepflow/checker"
	"github.com/preparedhq/prepflow/dispatch"
	"github.com/preparedhq/prepflow/feedback"
	"github.com/preparedhq/prepflow/profile"
	"github.com/preparedhq/prepflow/progress"
	"github.com/preparedhq/prepflow/task"
)

// Store is what the API needs from persistence.
type Store interface {
	task.Store
	dispatch.LogStore
}

// Server is the HTTP API.
type Server struct {
	store    Store
	machine  *task.Machine
	profiles *profile.Service
	feedback *feedback.Service
	bus      *progress.Bus
	logger   *slog.Logger
}

// NewServer wires the API over its collaborators.
func NewServer(store Store, machine *task.Machine, profiles *profile.Service, fb *feedback.Service, bus *progress.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    store,
		machine:  machine,
		profiles: profiles,
		feedback: fb,
		bus:      bus,
		logger:   logger,
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreateTask)
		r.Get("/", s.handleListTasks)
		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Patch("/status", s.handlePatchStatus)
			r.Get("/progress", s.handleGetProgress)
			r.Get("/events", s.handleStreamEvents)
			r.Get("/feedback", s.handleListFeedback)
			r.Post("/check", s.handleCheck)
		})
	})

	r.Post("/feedback/implicit", s.handleImplicitFeedback)
	r.Post("/feedback/explicit", s.handleExplicitFeedback)

	r.Get("/dashboard", s.handleDashboard)

	return r
}

// --- responses -------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", "error", err)
	}
}

// writeError maps domain errors onto the four stable status codes:
// 409 for rejected transitions, 404 for missing resources, 422 for
// integrity violations, 400 for everything malformed.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case task.IsInvalidTransition(err):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "invalid_transition"})
	case errors.Is(err, task.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, feedback.ErrNoChanges),
		errors.Is(err, feedback.ErrNoTags),
		isUnknownTag(err),
		errors.Is(err, profile.ErrNilPayload),
		errors.Is(err, progress.ErrPercentRegression):
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "integrity_violation"})
	default:
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "validation_error"})
	}
}

func isUnknownTag(err error) bool {
	var ute *feedback.UnknownTagError
	return errors.As(err, &ute)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// --- health ----------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- tasks -----------------------------------------------------------------

type createTaskRequest struct {
	ClientID string            `json:"client_id"`
	TaskType string            `json:"task_type"`
	TaxYear  int               `json:"tax_year"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ClientID == "" || req.TaskType == "" || req.TaxYear == 0 {
		s.writeError(w, fmt.Errorf("client_id, task_type and tax_year are required"))
		return
	}

	t := task.New(req.ClientID, req.TaskType, req.TaxYear, req.Metadata)
	if err := s.store.CreateTask(r.Context(), t); err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info("Task created",
		"task_id", t.ID,
		"client_id", t.ClientID,
		"task_type", t.Type,
		"tax_year", t.TaxYear)
	s.writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agent := q.Get("assigned_agent")
	if agent == "" {
		agent = q.Get("agent")
	}
	f := task.Filter{
		Status:        task.Status(q.Get("status")),
		ClientID:      q.Get("client_id"),
		Type:          q.Get("task_type"),
		AssignedAgent: agent,
	}
	if f.Status != "" && !f.Status.Valid() {
		s.writeError(w, fmt.Errorf("unknown status %q", f.Status))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, fmt.Errorf("limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, fmt.Errorf("offset must be a non-negative integer"))
			return
		}
		f.Offset = n
	}

	tasks, err := s.store.ListTasks(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

type patchStatusRequest struct {
	Status task.Status `json:"status"`
	// Agent is required when status is assigned.
	Agent string `json:"agent,omitempty"`
	// Reason is required when status is failed or escalated.
	Reason string `json:"reason,omitempty"`
	// EscalationID and Resolution drive escalated -> in_progress.
	EscalationID string `json:"escalation_id,omitempty"`
	Resolution   string `json:"resolution,omitempty"`
}

// handlePatchStatus maps a requested status onto the matching state
// machine operation. The machine decides legality; an illegal edge is a
// 409, not a 400.
func (s *Server) handlePatchStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	var req patchStatusRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	var (
		t   *task.Task
		err error
	)
	ctx := r.Context()
	switch req.Status {
	case task.StatusAssigned:
		t, err = s.machine.Assign(ctx, id, req.Agent)
	case task.StatusInProgress:
		if req.EscalationID != "" {
			t, err = s.machine.ResolveEscalation(ctx, id, req.EscalationID, req.Resolution)
		} else {
			t, err = s.machine.Start(ctx, id)
		}
	case task.StatusCompleted:
		t, err = s.machine.Complete(ctx, id)
	case task.StatusFailed:
		t, err = s.machine.Fail(ctx, id, req.Reason)
	case task.StatusEscalated:
		t, err = s.machine.Escalate(ctx, id, &task.Escalation{Reason: req.Reason, Blocking: true})
	case task.StatusPending:
		t, err = s.machine.Retry(ctx, id)
	default:
		s.writeError(w, fmt.Errorf("unknown status %q", req.Status))
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

// --- progress --------------------------------------------------------------

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	snap, err := s.bus.Snapshot(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if snap == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "progress": nil})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "progress": snap})
}

// handleStreamEvents streams progress as server-sent events: the
// snapshot first, then live events, closing after the terminal event.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, fmt.Errorf("streaming unsupported by connection"))
		return
	}

	events, cancel, err := s.bus.Subscribe(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Warn("Failed to encode progress event", "task_id", id, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// --- feedback --------------------------------------------------------------

type implicitFeedbackRequest struct {
	TaskID     string `json:"task_id"`
	ArtifactID string `json:"artifact_id,omitempty"`
	Author     string `json:"author"`
	Original   string `json:"original"`
	Corrected  string `json:"corrected"`
}

func (s *Server) handleImplicitFeedback(w http.ResponseWriter, r *http.Request) {
	var req implicitFeedbackRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	entry, err := s.feedback.CaptureImplicit(r.Context(), req.TaskID, req.ArtifactID, req.Author, req.Original, req.Corrected)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}

type explicitFeedbackRequest struct {
	TaskID string         `json:"task_id"`
	Author string         `json:"author"`
	Tags   []feedback.Tag `json:"tags"`
	Note   string         `json:"note,omitempty"`
}

func (s *Server) handleExplicitFeedback(w http.ResponseWriter, r *http.Request) {
	var req explicitFeedbackRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	entry, err := s.feedback.CaptureExplicit(r.Context(), req.TaskID, req.Author, req.Tags, req.Note)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleListFeedback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := s.feedback.ForTask(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"feedback": entries, "count": len(entries)})
}

// --- checker ---------------------------------------------------------------

// handleCheck runs the worksheet cross-check and returns the report.
// The checker observes; it never transitions the task.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	var input checker.Input
	if err := decode(r, &input); err != nil {
		s.writeError(w, err)
		return
	}
	if len(input.SourceValues) == 0 && len(input.PreparedValues) == 0 {
		s.writeError(w, fmt.Errorf("source_values or prepared_values required"))
		return
	}

	report := checker.Run(input)
	s.logger.Info("Check complete",
		"task_id", id,
		"findings", len(report.Findings),
		"clean", report.Clean)
	s.writeJSON(w, http.StatusOK, report)
}

// --- dashboard -------------------------------------------------------------

type agentActivity struct {
	Agent    string    `json:"agent"`
	TaskID   string    `json:"task_id"`
	TaskType string    `json:"task_type"`
	ClientID string    `json:"client_id"`
	Since    time.Time `json:"since"`
}

type attentionFlag struct {
	TaskID    string    `json:"task_id"`
	ClientID  string    `json:"client_id"`
	Reason    string    `json:"reason"`
	Blocking  bool      `json:"blocking"`
	CreatedAt time.Time `json:"created_at"`
}

type dashboardResponse struct {
	QueueDepth     int             `json:"queue_depth"`
	CompletedCount int             `json:"completed_count"`
	FailedCount    int             `json:"failed_count"`
	EscalatedCount int             `json:"escalated_count"`
	AgentActivity  []agentActivity `json:"agent_activity"`
	AttentionFlags []attentionFlag `json:"attention_flags"`
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var resp dashboardResponse

	pending, err := s.store.ListTasks(ctx, task.Filter{Status: task.StatusPending})
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp.QueueDepth = len(pending)

	completed, err := s.store.ListTasks(ctx, task.Filter{Status: task.StatusCompleted})
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp.CompletedCount = len(completed)

	failed, err := s.store.ListTasks(ctx, task.Filter{Status: task.StatusFailed})
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp.FailedCount = len(failed)

	running, err := s.store.ListTasks(ctx, task.Filter{Status: task.StatusInProgress})
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp.AgentActivity = make([]agentActivity, 0, len(running))
	for _, t := range running {
		activity := agentActivity{
			Agent:    t.AssignedAgent,
			TaskID:   t.ID,
			TaskType: t.Type,
			ClientID: t.ClientID,
		}
		if t.StartedAt != nil {
			activity.Since = *t.StartedAt
		}
		resp.AgentActivity = append(resp.AgentActivity, activity)
	}

	escalated, err := s.store.ListTasks(ctx, task.Filter{Status: task.StatusEscalated})
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp.EscalatedCount = len(escalated)
	resp.AttentionFlags = make([]attentionFlag, 0, len(escalated))
	for _, t := range escalated {
		escs, err := s.store.ListEscalations(ctx, t.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		for _, e := range escs {
			if e.ResolvedAt != nil {
				continue
			}
			resp.AttentionFlags = append(resp.AttentionFlags, attentionFlag{
				TaskID:    t.ID,
				ClientID:  t.ClientID,
				Reason:    e.Reason,
				Blocking:  e.Blocking,
				CreatedAt: e.CreatedAt,
			})
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}
