// Package main provides the prepflow binary: the task orchestration
// service for tax-prep agent workflows.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/preparedhq/prepflow/config"
	"github.com/preparedhq/prepflow/skill"
	"github.com/preparedhq/prepflow/store"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "prepflow"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Task orchestration for tax-prep agent workflows",
		Long: `Prepflow dispatches tax-prep tasks to AI agent handlers and keeps
them honest: a strict task lifecycle, versioned skill documents, an
append-only client log, hybrid retrieval over skills and documents,
live progress streaming, and human feedback capture.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&configPath, &logLevel))
	cmd.AddCommand(migrateCmd(&configPath, &logLevel))
	cmd.AddCommand(skillsCmd(&configPath, &logLevel))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func serveCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}

			app, err := NewApp(cfg, logger)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := app.Start(ctx); err != nil {
				return err
			}
			defer app.Shutdown()

			return app.Run(ctx)
		},
	}
}

func migrateCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			if cfg.Store.DSN == "" {
				return fmt.Errorf("store.dsn is required for migrate")
			}

			ctx := context.Background()
			pg, err := store.NewPostgres(ctx, cfg.Store.DSN, cfg.Embedding.Dimensions)
			if err != nil {
				return err
			}
			defer pg.Close()

			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("Migrations applied")
			return nil
		},
	}
}

func skillsCmd(configPath, logLevel *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Manage skill documents",
	}

	var dir string
	load := &cobra.Command{
		Use:   "load",
		Short: "Load skill YAML documents from a directory into the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			if dir != "" {
				cfg.Skills.Dir = dir
			}
			if cfg.Skills.Dir == "" {
				return fmt.Errorf("skills directory required (--dir or skills.dir in config)")
			}

			app, err := NewApp(cfg, logger)
			if err != nil {
				return err
			}
			ctx := context.Background()
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer app.Shutdown()

			loader := skill.NewLoader(cfg.Skills.Dir, app.store, app.ingestor, logger)
			n, err := loader.LoadDir(ctx)
			if err != nil {
				return err
			}
			logger.Info("Skills loaded", "count", n, "dir", cfg.Skills.Dir)
			return nil
		},
	}
	load.Flags().StringVar(&dir, "dir", "", "Directory of skill YAML documents")
	cmd.AddCommand(load)

	return cmd
}

// setup loads configuration and builds the process logger. An explicit
// --config path bypasses the user/project config discovery; environment
// overrides apply either way, through the loader.
func setup(configPath, logLevel string) (*config.Config, *slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	loader := config.NewLoader(logger)
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = loader.LoadFile(configPath)
	} else {
		cfg, err = loader.Load()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	return cfg, logger, nil
}
