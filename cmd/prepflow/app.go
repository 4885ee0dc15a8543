package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/preparedhq/prepflow/api"
	"github.com/preparedhq/prepflow/breaker"
	"github.com/preparedhq/prepflow/config"
	"github.com/preparedhq/prepflow/contextbuilder"
	"github.com/preparedhq/prepflow/dispatch"
	"github.com/preparedhq/prepflow/feedback"
	"github.com/preparedhq/prepflow/kv"
	"github.com/preparedhq/prepflow/metrics"
	"github.com/preparedhq/prepflow/profile"
	"github.com/preparedhq/prepflow/progress"
	"github.com/preparedhq/prepflow/search"
	"github.com/preparedhq/prepflow/skill"
	"github.com/preparedhq/prepflow/store"
	"github.com/preparedhq/prepflow/task"
)

// kvBucketName is the JetStream KV bucket holding breaker state,
// progress snapshots, and heartbeats.
const kvBucketName = "prepflow"

// archiveSweepInterval is how often old profile entries are archived.
const archiveSweepInterval = 24 * time.Hour

// appStore is the full persistence surface the app wires together.
// Both store.Memory and store.Postgres satisfy it.
type appStore interface {
	task.Store
	skill.Store
	profile.Store
	feedback.Store
	contextbuilder.DocumentStore
	search.Index
	search.EmbeddingStore
	dispatch.LogStore
}

// App wires together every component of the service.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn

	// KV + events
	bucket kv.Bucket
	events kv.EventBus

	// Persistence
	store appStore
	pg    *store.Postgres

	// Services
	machine    *task.Machine
	profiles   *profile.Service
	skills     *skill.Engine
	builder    *contextbuilder.Builder
	breakers   *breaker.Registry
	bus        *progress.Bus
	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	supervisor *dispatch.Supervisor
	searcher   *search.Searcher
	ingestor   *search.Ingestor
	feedback   *feedback.Service
	metrics    *metrics.Metrics

	httpServer *http.Server
}

// NewApp creates an unstarted application.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// Start brings up infrastructure (NATS, store) and wires the services.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}
	if err := a.openStore(ctx); err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	embedder, err := a.buildEmbedder()
	if err != nil {
		return err
	}

	a.metrics = metrics.New()
	a.machine = task.NewMachine(a.store, a.logger)
	a.profiles = profile.NewService(a.store)
	a.skills = skill.NewEngine(a.store, a.logger)
	a.builder = contextbuilder.New(a.profiles, a.store, a.skills, a.store, a.logger)
	a.breakers = breaker.NewRegistry(a.bucket, breaker.Config{
		FailMax:          a.cfg.Breaker.FailMax,
		ResetTimeout:     a.cfg.Breaker.ResetTimeout,
		SuccessThreshold: a.cfg.Breaker.SuccessThreshold,
	}, a.logger)
	a.bus = progress.NewBus(a.bucket, a.events, a.logger)
	a.searcher = search.NewSearcher(a.store, embedder, a.logger)
	a.ingestor = search.NewIngestor(a.store, embedder, a.logger)
	a.feedback = feedback.NewService(a.store, a.logger)

	a.breakers.Instrument(a.metrics)
	a.bus.Instrument(a.metrics)
	a.searcher.Instrument(a.metrics)
	a.ingestor.Instrument(a.metrics)
	a.feedback.Instrument(a.metrics)

	a.registry = dispatch.NewRegistry()
	if a.cfg.Embedding.Provider == "mock" {
		// Development mode ships a built-in agent so the full loop can
		// run without an external model.
		if err := a.registry.Register(&mockAgent{bus: a.bus, searcher: a.searcher}); err != nil {
			return fmt.Errorf("register mock agent: %w", err)
		}
	}

	a.dispatcher = dispatch.NewDispatcher(
		a.machine, a.store, a.registry, a.builder, a.breakers,
		a.bus, a.bucket, a.store, a.metrics, a.cfg.Dispatch, a.logger)

	a.supervisor = dispatch.NewSupervisor(a.machine, a.store, a.bucket, dispatch.SupervisorConfig{
		MaxRetries:        a.cfg.Dispatch.MaxRetries,
		BackoffBase:       a.cfg.Dispatch.RetryBackoffBase,
		BackoffCap:        a.cfg.Dispatch.RetryBackoffCap,
		HeartbeatInterval: a.cfg.Dispatch.HeartbeatInterval,
		StaleMultiplier:   a.cfg.Dispatch.StaleMultiplier,
		SweepInterval:     a.cfg.Dispatch.PollInterval,
	}, a.logger)

	apiServer := api.NewServer(a.store, a.machine, a.profiles, a.feedback, a.bus, a.logger)
	a.httpServer = &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.logger.Info("Components initialized",
		"store", a.storeKind(),
		"embedder", embedder.Name(),
		"http_addr", a.cfg.HTTP.Addr)
	return nil
}

// Run serves until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.dispatcher.Start(ctx); err != nil {
		return err
	}
	defer a.dispatcher.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("HTTP server listening", "addr", a.cfg.HTTP.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := a.supervisor.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("supervisor: %w", err)
		}
		return nil
	})

	if a.cfg.Skills.Dir != "" {
		loader := skill.NewLoader(a.cfg.Skills.Dir, a.store, a.ingestor, a.logger)
		if n, err := loader.LoadDir(gctx); err != nil {
			a.logger.Warn("Initial skill load failed", "dir", a.cfg.Skills.Dir, "error", err)
		} else {
			a.logger.Info("Skills loaded", "count", n, "dir", a.cfg.Skills.Dir)
		}
		g.Go(func() error {
			if err := loader.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("skill watcher: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		a.archiveLoop(gctx)
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// archiveLoop periodically archives profile entries older than the
// retention window.
func (a *App) archiveLoop(ctx context.Context) {
	ticker := time.NewTicker(archiveSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.profiles.Archive(ctx)
			if err != nil {
				a.logger.Error("Profile archive sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("Archived profile entries", "count", n)
			}
		}
	}
}

// Shutdown releases infrastructure.
func (a *App) Shutdown() {
	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
	if a.pg != nil {
		if err := a.pg.Close(); err != nil {
			a.logger.Warn("Failed to close store", "error", err)
		}
	}
	a.logger.Info("Shutdown complete")
}

// startNATS connects to an external NATS server, starts an embedded
// one, or falls back to in-process KV when NATS is disabled entirely.
func (a *App) startNATS(ctx context.Context) error {
	switch {
	case a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded:
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL,
			nats.Name(appName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn

	case a.cfg.NATS.Embedded:
		a.logger.Info("Starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // random available port
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn

	default:
		// NATS fully disabled; in-process coordination only.
		a.logger.Warn("Running without NATS, coordination is process-local")
		a.bucket = kv.NewMemoryBucket()
		a.events = kv.NewMemoryEventBus()
		return nil
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	bucket, err := kv.NewNATSBucket(ctx, js, kvBucketName)
	if err != nil {
		return fmt.Errorf("open KV bucket: %w", err)
	}
	a.bucket = bucket
	a.events = kv.NewNATSEventBus(a.natsConn)
	return nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.cfg.Store.DSN == "" {
		a.store = store.NewMemory()
		return nil
	}
	pg, err := store.NewPostgres(ctx, a.cfg.Store.DSN, a.cfg.Embedding.Dimensions)
	if err != nil {
		return err
	}
	a.pg = pg
	a.store = pg
	return nil
}

func (a *App) storeKind() string {
	if a.pg != nil {
		return "postgres"
	}
	return "memory"
}

func (a *App) buildEmbedder() (search.Embedder, error) {
	switch a.cfg.Embedding.Provider {
	case "mock":
		return search.NewMockEmbedder(a.cfg.Embedding.Dimensions), nil
	case "openai":
		client := &http.Client{Timeout: a.cfg.Embedding.Timeout}
		return search.NewHTTPEmbedder(
			a.cfg.Embedding.Endpoint,
			a.cfg.Embedding.Model,
			a.cfg.Embedding.APIKey,
			a.cfg.Embedding.Dimensions,
			search.WithHTTPClient(client),
			search.WithLogger(a.logger),
		), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", a.cfg.Embedding.Provider)
	}
}

// mockAgent is the development-mode handler: it walks the standard
// preparation stages with progress events and completes the task.
type mockAgent struct {
	bus      *progress.Bus
	searcher *search.Searcher
}

func (m *mockAgent) AgentName() string    { return "mock-preparer" }
func (m *mockAgent) TaskTypes() []string  { return []string{"prepare_return", "review_return"} }
func (m *mockAgent) SkillNames() []string { return []string{"w2_intake", "deduction_review"} }

func (m *mockAgent) Handle(ctx context.Context, t *task.Task, agentCtx *contextbuilder.AgentContext) task.Result {
	stages := []struct {
		name    string
		percent int
	}{
		{"scanning", 20},
		{"extracting", 60},
		{"calculating", 85},
		{"generating", 100},
	}
	attempt := t.AttemptCount + 1
	for _, stage := range stages {
		if ctx.Err() != nil {
			return task.Failed("cancelled")
		}
		_ = m.bus.Publish(ctx, progress.Event{
			TaskID:  t.ID,
			Attempt: attempt,
			Stage:   stage.name,
			Percent: stage.percent,
			Message: fmt.Sprintf("%s (%d skills in context)", stage.name, len(agentCtx.Skills)),
		})
	}

	// Exercise retrieval the way a real agent would while reasoning.
	if _, err := m.searcher.Search(ctx, search.Selector{Corpus: search.CorpusSkills}, t.Type, 3); err != nil {
		return task.Failed(fmt.Sprintf("skill_search: %v", err))
	}
	return task.Ok()
}
