package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/preparedhq/prepflow/breaker"
	"github.com/preparedhq/prepflow/config"
	"github.com/preparedhq/prepflow/contextbuilder"
	"github.com/preparedhq/prepflow/kv"
	"github.com/preparedhq/prepflow/metrics"
	"github.com/preparedhq/prepflow/progress"
	"github.com/preparedhq/prepflow/task"
)

// DispatcherAgent is the agent name recorded when the dispatcher itself
// fails a task it cannot route.
const DispatcherAgent = "dispatcher"

// BreakerStore names the circuit guarding context-build reads.
const BreakerStore = "store"

// HeartbeatKey returns the KV key carrying a task's liveness heartbeat.
func HeartbeatKey(taskID string) string {
	return "task:" + taskID + ":heartbeat"
}

// Dispatcher leases pending tasks and runs them through handlers.
type Dispatcher struct {
	machine  *task.Machine
	store    task.Store
	registry *Registry
	builder  *contextbuilder.Builder
	breakers *breaker.Registry
	bus      *progress.Bus
	bucket   kv.Bucket
	logs     LogStore
	metrics  *metrics.Metrics
	cfg      config.DispatchConfig
	logger   *slog.Logger

	// Execution semaphore for max_concurrent
	sem chan struct{}

	// Lifecycle
	running bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Counters
	dispatched atomic.Int64
	failed     atomic.Int64
}

// NewDispatcher wires a dispatcher. metrics may be nil.
func NewDispatcher(
	machine *task.Machine,
	store task.Store,
	registry *Registry,
	builder *contextbuilder.Builder,
	breakers *breaker.Registry,
	bus *progress.Bus,
	bucket kv.Bucket,
	logs LogStore,
	m *metrics.Metrics,
	cfg config.DispatchConfig,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		machine:  machine,
		store:    store,
		registry: registry,
		builder:  builder,
		breakers: breakers,
		bus:      bus,
		bucket:   bucket,
		logs:     logs,
		metrics:  m,
		cfg:      cfg,
		logger:   logger,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Start begins the lease loop. It returns immediately; work happens in
// background goroutines until Stop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.pollLoop(loopCtx)

	d.logger.Info("Dispatcher started",
		"max_concurrent", d.cfg.MaxConcurrent,
		"poll_interval", d.cfg.PollInterval,
		"task_types", d.registry.TaskTypes())
	return nil
}

// Stop cancels the lease loop and waits for in-flight handlers to
// return.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	cancel()
	d.wg.Wait()

	d.logger.Info("Dispatcher stopped",
		"dispatched", d.dispatched.Load(),
		"failed", d.failed.Load())
}

// pollLoop leases pending tasks on every tick.
func (d *Dispatcher) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	// Lease immediately on start, then per tick.
	d.leasePending(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.leasePending(ctx)
		}
	}
}

// leasePending fetches pending tasks and runs each under the
// concurrency semaphore. The per-task Assign CAS makes concurrent
// dispatchers safe: the loser of a lease race simply moves on.
func (d *Dispatcher) leasePending(ctx context.Context) {
	pending, err := d.store.ListTasks(ctx, task.Filter{Status: task.StatusPending})
	if err != nil {
		d.logger.Error("Failed to list pending tasks", "error", err)
		return
	}
	if d.metrics != nil {
		d.metrics.QueueDepth.Set(float64(len(pending)))
	}

	for _, t := range pending {
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		d.wg.Add(1)
		go func(t *task.Task) {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			d.runTask(ctx, t)
		}(t)
	}
}

// runTask drives one task: lease, start, build context, invoke the
// handler, map the result onto a transition.
func (d *Dispatcher) runTask(ctx context.Context, t *task.Task) {
	h, ok := d.registry.For(t.Type)
	if !ok {
		d.failUnroutable(ctx, t)
		return
	}

	leased, err := d.machine.Assign(ctx, t.ID, h.AgentName())
	if err != nil {
		if task.IsInvalidTransition(err) {
			// Another worker won the lease.
			return
		}
		d.logger.Error("Failed to lease task", "task_id", t.ID, "error", err)
		return
	}

	started := time.Now().UTC()
	log := &AgentLog{
		ID:        uuid.New().String(),
		TaskID:    leased.ID,
		Agent:     h.AgentName(),
		Attempt:   leased.AttemptCount + 1,
		StartedAt: started,
	}

	outcome, reason := d.executeLeased(ctx, h, leased)

	finished := time.Now().UTC()
	log.FinishedAt = &finished
	log.Outcome = outcome
	log.Reason = reason
	if err := d.logs.AppendAgentLog(ctx, log); err != nil {
		d.logger.Warn("Failed to append agent log", "task_id", leased.ID, "error", err)
	}

	if d.metrics != nil {
		d.metrics.TasksDispatched.WithLabelValues(leased.Type, h.AgentName()).Inc()
		d.metrics.HandlerDuration.WithLabelValues(leased.Type, outcome).
			Observe(finished.Sub(started).Seconds())
		if outcome == "failed" {
			d.metrics.HandlerFailures.WithLabelValues(leased.Type, reason).Inc()
		}
	}
	d.dispatched.Add(1)
	if outcome == "failed" {
		d.failed.Add(1)
	}
}

// executeLeased runs a leased task through its handler and returns the
// outcome and reason for the agent log.
func (d *Dispatcher) executeLeased(ctx context.Context, h Handler, leased *task.Task) (outcome, reason string) {
	if _, err := d.machine.Start(ctx, leased.ID); err != nil {
		d.logger.Error("Failed to start task", "task_id", leased.ID, "error", err)
		return d.fail(ctx, leased, "start_failed")
	}

	var agentCtx *contextbuilder.AgentContext
	err := d.breakers.Do(ctx, BreakerStore, func(ctx context.Context) error {
		var err error
		agentCtx, err = d.builder.Build(ctx, leased, h.SkillNames())
		return err
	})
	if err != nil {
		d.logger.Error("Failed to build context", "task_id", leased.ID, "error", err)
		return d.fail(ctx, leased, "context_build_failed")
	}

	handlerCtx, cancel := context.WithTimeout(ctx, d.cfg.TaskTimeout)
	defer cancel()

	stopHeartbeat := d.startHeartbeat(handlerCtx, leased.ID)
	result := h.Handle(handlerCtx, leased.Clone(), agentCtx)
	stopHeartbeat()

	// Shutdown cancellation: the handler returned without finishing;
	// record the attempt as cancelled so the retry supervisor picks it
	// back up.
	if ctx.Err() != nil && result.Kind != task.ResultOK {
		return d.fail(context.WithoutCancel(ctx), leased, "cancelled")
	}

	switch result.Kind {
	case task.ResultOK:
		if _, err := d.machine.Complete(ctx, leased.ID); err != nil {
			d.logger.Error("Failed to complete task", "task_id", leased.ID, "error", err)
			return d.fail(ctx, leased, "complete_failed")
		}
		d.recordTransition(task.StatusCompleted)
		d.publishTerminal(ctx, leased.ID, leased.AttemptCount+1, string(task.StatusCompleted))
		return "completed", ""

	case task.ResultEscalated:
		if _, err := d.machine.Escalate(ctx, leased.ID, result.Escalation); err != nil {
			d.logger.Error("Failed to escalate task", "task_id", leased.ID, "error", err)
			return d.fail(ctx, leased, "escalate_failed")
		}
		d.recordTransition(task.StatusEscalated)
		d.publishTerminal(ctx, leased.ID, leased.AttemptCount+1, string(task.StatusEscalated))
		return "escalated", result.Reason

	default:
		return d.fail(ctx, leased, result.Reason)
	}
}

// failUnroutable handles a task with no registered handler: lease it to
// the dispatcher itself, then fail it with a stable reason.
func (d *Dispatcher) failUnroutable(ctx context.Context, t *task.Task) {
	leased, err := d.machine.Assign(ctx, t.ID, DispatcherAgent)
	if err != nil {
		if !task.IsInvalidTransition(err) {
			d.logger.Error("Failed to lease unroutable task", "task_id", t.ID, "error", err)
		}
		return
	}

	d.logger.Warn("No handler for task type",
		"task_id", leased.ID,
		"task_type", leased.Type)
	d.fail(ctx, leased, "no_handler")

	finished := time.Now().UTC()
	if err := d.logs.AppendAgentLog(ctx, &AgentLog{
		ID:         uuid.New().String(),
		TaskID:     leased.ID,
		Agent:      DispatcherAgent,
		Attempt:    leased.AttemptCount + 1,
		Outcome:    "failed",
		Reason:     "no_handler",
		StartedAt:  finished,
		FinishedAt: &finished,
	}); err != nil {
		d.logger.Warn("Failed to append agent log", "task_id", leased.ID, "error", err)
	}
}

func (d *Dispatcher) fail(ctx context.Context, t *task.Task, reason string) (outcome, failReason string) {
	if reason == "" {
		reason = "handler_failed"
	}
	if _, err := d.machine.Fail(ctx, t.ID, reason); err != nil {
		d.logger.Error("Failed to fail task",
			"task_id", t.ID,
			"reason", reason,
			"error", err)
		return "failed", reason
	}
	d.recordTransition(task.StatusFailed)
	d.publishTerminal(ctx, t.ID, t.AttemptCount+1, string(task.StatusFailed))
	return "failed", reason
}

func (d *Dispatcher) recordTransition(to task.Status) {
	if d.metrics != nil {
		d.metrics.TaskTransitions.WithLabelValues(string(to)).Inc()
	}
}

// publishTerminal emits the stream-closing progress event carrying the
// final status. Percent carries the last reported value forward so
// monotonicity holds even for failures mid-stage.
func (d *Dispatcher) publishTerminal(ctx context.Context, taskID string, attempt int, status string) {
	percent := 0
	if snap, err := d.bus.Snapshot(ctx, taskID); err == nil && snap != nil {
		percent = snap.Percent
		if snap.Attempt > attempt {
			attempt = snap.Attempt
		}
	}
	if status == string(task.StatusCompleted) {
		percent = 100
	}
	if err := d.bus.Publish(ctx, progress.Event{
		TaskID:  taskID,
		Attempt: attempt,
		Stage:   progress.StageComplete,
		Percent: percent,
		Status:  status,
	}); err != nil {
		d.logger.Warn("Failed to publish terminal progress",
			"task_id", taskID,
			"status", status,
			"error", err)
	}
}

// startHeartbeat renews the task's liveness key until the returned stop
// function is called. The first beat is written synchronously so the
// liveness supervisor never sees a freshly started task as stale.
func (d *Dispatcher) startHeartbeat(ctx context.Context, taskID string) func() {
	beat := func() {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := d.bucket.Put(ctx, HeartbeatKey(taskID), []byte(now)); err != nil && ctx.Err() == nil {
			d.logger.Warn("Failed to write heartbeat", "task_id", taskID, "error", err)
		}
	}
	beat()

	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(d.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				beat()
			}
		}
	}()

	return func() {
		once.Do(func() {
			close(done)
			if err := d.bucket.Delete(context.WithoutCancel(ctx), HeartbeatKey(taskID)); err != nil {
				d.logger.Debug("Failed to delete heartbeat", "task_id", taskID, "error", err)
			}
		})
	}
}
