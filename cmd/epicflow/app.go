package main

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/epicflow/internal/agent"
	"github.com/fyrsmithlabs/epicflow/internal/artifact"
	"github.com/fyrsmithlabs/epicflow/internal/checkpoint"
	"github.com/fyrsmithlabs/epicflow/internal/config"
	"github.com/fyrsmithlabs/epicflow/internal/lock"
	"github.com/fyrsmithlabs/epicflow/internal/logging"
	"github.com/fyrsmithlabs/epicflow/internal/orchestrator"
	"github.com/fyrsmithlabs/epicflow/internal/phase"
	"github.com/fyrsmithlabs/epicflow/internal/telemetry"
)

// app is the wired process: one engine and manager over the workspace.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	pipeline  *phase.Pipeline
	store     *artifact.Store
	committer *checkpoint.Committer
	locks     lock.EpicLock
	engine    *orchestrator.Engine
	manager   *orchestrator.Manager
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lc, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(lc)
}

// newStore opens the artifact store with the pipeline's marker protocol and
// the configured file names.
func newStore(cfg *config.Config, p *phase.Pipeline) *artifact.Store {
	opts := []artifact.StoreOption{artifact.WithProtocol(p.Protocol())}
	if len(cfg.Artifacts.Files) > 0 {
		files := make(map[artifact.Name]string, len(cfg.Artifacts.Files))
		for name, file := range cfg.Artifacts.Files {
			files[artifact.Name(name)] = file
		}
		opts = append(opts, artifact.WithFiles(files))
	}
	return artifact.NewStore(cfg.Workspace.Root, cfg.Artifacts.Dir, opts...)
}

func openCommitter(cfg *config.Config, logger *logging.Logger) (*checkpoint.Committer, error) {
	opts := []checkpoint.Option{
		checkpoint.WithAuthor(checkpoint.Author{Name: cfg.Git.AuthorName, Email: cfg.Git.AuthorEmail}),
		checkpoint.WithLogger(logger.Underlying()),
	}
	if cfg.Git.Init {
		opts = append(opts, checkpoint.WithInit())
	}
	c, err := checkpoint.Open(cfg.Workspace.Root, opts...)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint repository: %w", err)
	}
	return c, nil
}

func newGateway(cfg *config.Config) agent.Gateway {
	gw := agent.NewExecGateway(cfg.Agent.Command, cfg.Agent.Args, cfg.Workspace.Root)
	if len(cfg.Agent.Env) > 0 {
		gw.Env = make(map[string]string, len(cfg.Agent.Env))
		for k, v := range cfg.Agent.Env {
			gw.Env[k] = v.Value()
		}
	}
	return agent.WithTimeout(gw, cfg.Agent.Timeout.Duration())
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry, version)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	if h := tel.Health(); h.Degraded {
		logger.Warn(ctx, "telemetry degraded, traces are not exported", zap.String("reason", h.Reason))
	}

	p := phase.Default(cfg.Pipeline.MaxRounds)
	store := newStore(cfg, p)
	committer, err := openCommitter(cfg, logger)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	engine := orchestrator.NewEngine(p, store, newGateway(cfg), committer,
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithTracer(tel.Tracer("github.com/fyrsmithlabs/epicflow/internal/orchestrator")),
		orchestrator.WithProject(phase.Project{
			BaseBranch:  cfg.Git.BaseBranch,
			TestCommand: cfg.Project.TestCommand,
			LintCommand: cfg.Project.LintCommand,
		}),
	)
	locks := lock.NewEpicLock(filepath.Join(cfg.Workspace.Root, cfg.Workspace.StateDir, "locks"))
	manager := orchestrator.NewManager(engine,
		orchestrator.WithLocker(locks),
		orchestrator.WithManagerLogger(logger.Named("manager")),
		orchestrator.WithBranch(committer.CurrentBranch),
	)

	logger.Debug(ctx, "workspace ready",
		zap.String("root", cfg.Workspace.Root),
		zap.String("artifacts", cfg.Artifacts.Dir),
		zap.String("agent", cfg.Agent.Command),
		zap.Int("max_rounds", cfg.Pipeline.MaxRounds),
		logging.SecretMap("agent.env", cfg.Agent.Env))

	return &app{
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
		pipeline:  p,
		store:     store,
		committer: committer,
		locks:     locks,
		engine:    engine,
		manager:   manager,
	}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn(ctx, "telemetry shutdown", zap.Error(err))
	}
	_ = a.logger.Sync()
}
