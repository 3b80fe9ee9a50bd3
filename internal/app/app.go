// Package app assembles the facilitator from a workspace config.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"facilitator/internal/assign"
	"facilitator/internal/board"
	"facilitator/internal/config"
	"facilitator/internal/db"
	"facilitator/internal/dispatch"
	"facilitator/internal/engine"
	"facilitator/internal/generate"
	"facilitator/internal/lock"
	"facilitator/internal/migrate"
	"facilitator/internal/prompt"
	"facilitator/internal/publish"
	"facilitator/internal/repo"
)

// Services is everything a CLI command or the HTTP server needs.
type Services struct {
	Config     *config.Config
	DB         *sql.DB
	Repo       repo.Repo
	Engine     engine.Engine
	Dispatcher *dispatch.Dispatcher
	Registry   *prometheus.Registry
	Logger     *zap.Logger

	closers []func() error
}

// Options tune Open.
type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/facilitator.yml.
	ConfigPath string
	Logger     *zap.Logger
	// Credentials default to the provider key environment variables.
	Credentials *generate.Credentials
	// Board replaces the board built from config.
	Board board.Board
}

// NewLogger builds the process logger. Debug enables development output.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// LoadConfig reads the workspace config, or the explicit path when set.
// A missing workspace config yields the defaults.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(workspace)
}

// Open opens and migrates the workspace database and wires the workflow.
func Open(ctx context.Context, opts Options) (*Services, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	for _, m := range applied {
		logger.Info("applied migration", zap.Int("version", m.Version), zap.String("name", m.Name))
	}
	s, err := Wire(cfg, conn, opts, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.closers = append(s.closers, conn.Close)
	return s, nil
}

// Wire builds the services over an already migrated database.
func Wire(cfg *config.Config, conn *sql.DB, opts Options, logger *zap.Logger) (*Services, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	creds := generate.CredentialsFromEnv()
	if opts.Credentials != nil {
		creds = *opts.Credentials
	}
	gen := generate.New(cfg.Generator, creds, logger.Named("generate"), reg)

	prompts, err := prompt.New(cfg.Workflow.PromptTokenBudget)
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	b := opts.Board
	if b == nil {
		b = board.FromConfig(cfg)
	}
	if b == nil {
		logger.Info("no task board configured; publishing runs in mock mode")
	}

	s := &Services{Config: cfg, DB: conn, Registry: reg, Logger: logger}
	var locks lock.Locker = lock.NewMemory()
	if cfg.Lock.RedisAddr != "" {
		r := lock.NewRedis(cfg.Lock.RedisAddr, cfg.Lock.TTL)
		s.closers = append(s.closers, r.Close)
		locks = r
	}

	s.Engine = engine.New(conn)
	s.Repo = s.Engine.Repo
	s.Dispatcher = &dispatch.Dispatcher{
		Engine:  s.Engine,
		Repo:    s.Repo,
		Gen:     gen,
		Prompts: prompts,
		Assign: assign.Suggester{
			Generate: gen.Func("assign"),
			Prompts:  prompts,
			Timeout:  cfg.Assign.Timeout,
			Logger:   logger.Named("assign"),
		},
		Publisher: publish.Publisher{
			Logger:  logger.Named("publish"),
			Metrics: publish.NewMetrics(reg),
		},
		Board:          b,
		Locks:          locks,
		Logger:         logger.Named("dispatch"),
		MaxChain:       cfg.Workflow.MaxChain,
		RecentMessages: cfg.Workflow.RecentMessages,
		StallDays:      cfg.Monitor.StallDays,
		TermStart:      cfg.TermStart(),
		AutoEnroll:     cfg.Workflow.AutoEnroll,
	}
	s.Dispatcher.Init()
	return s, nil
}

// Close releases the database and lock connections.
func (s *Services) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	_ = s.Logger.Sync()
	return first
}
