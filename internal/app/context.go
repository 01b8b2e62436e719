package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"discoveryline/internal/checkpoint"
	"discoveryline/internal/collab"
	"discoveryline/internal/config"
	"discoveryline/internal/conversation"
	"discoveryline/internal/db"
	"discoveryline/internal/metrics"
	"discoveryline/internal/migrate"
	"discoveryline/internal/orchestrator"
	"discoveryline/internal/repo"
	"discoveryline/internal/statemachine"
)

// Collaborator names looked up in a script for the single-slot roles.
const (
	FramerName         = "framer"
	ProposerName       = "proposer"
	ValidatorName      = "validator"
	ImpactAssessorName = "impact_assessor"
	FeasibilityName    = "feasibility"
	RiskName           = "risk"
	RankerName         = "ranker"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/discoveryline.yml.
	ConfigPath string
	// DBPath overrides the workspace database.
	DBPath   string
	Logger   *slog.Logger
	Registry *prometheus.Registry
}

// Env is every long-lived dependency of one process, opened from a workspace.
type Env struct {
	Workspace   string
	Config      *config.Config
	DB          *sql.DB
	Repo        repo.Repo
	Transport   conversation.Transport
	Machine     statemachine.Machine
	Checkpoints checkpoint.Service
	Registry    *prometheus.Registry
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Open loads config, opens and migrates the database and wires the services.
func Open(ctx context.Context, opts Options) (*Env, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	transport, err := newTransport(opts.Workspace, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := repo.New(conn)
	m := statemachine.New(r)
	m.Logger = logger
	cps := checkpoint.New(m, transport)
	cps.Logger = logger
	logger.DebugContext(ctx, "workspace opened", "workspace", opts.Workspace, "transport", cfg.Conversation.Transport)
	return &Env{
		Workspace:   opts.Workspace,
		Config:      cfg,
		DB:          conn,
		Repo:        r,
		Transport:   transport,
		Machine:     m,
		Checkpoints: cps,
		Registry:    reg,
		Metrics:     metrics.New(reg),
		Logger:      logger,
	}, nil
}

func (e *Env) Close() error {
	if e == nil || e.DB == nil {
		return nil
	}
	return e.DB.Close()
}

// Orchestrator returns an orchestrator for agents sharing this env's services.
func (e *Env) Orchestrator(agents orchestrator.Collaborators) orchestrator.Orchestrator {
	o := orchestrator.New(e.Checkpoints, agents, e.Config, e.Metrics)
	o.Logger = e.Logger
	return o
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}

func newTransport(workspace string, cfg *config.Config) (conversation.Transport, error) {
	switch cfg.Conversation.Transport {
	case config.TransportMemory:
		return conversation.NewMemory(), nil
	case config.TransportFile:
		dir := cfg.Conversation.Dir
		if dir == "" {
			dir = db.ConversationDir(workspace)
		} else if !filepath.IsAbs(dir) {
			if workspace == "" {
				workspace = "."
			}
			dir = filepath.Join(workspace, dir)
		}
		return conversation.NewFile(dir)
	}
	return nil, fmt.Errorf("unknown conversation transport %q", cfg.Conversation.Transport)
}

// Collaborators resolves every pipeline role from script. Explorers follow
// the configured source order; a role missing from the script stays nil and
// fails its stage when reached.
func Collaborators(script collab.Script, cfg *config.Config) (orchestrator.Collaborators, error) {
	var agents orchestrator.Collaborators
	for _, name := range cfg.Pipeline.Exploration.Sources {
		c, ok := script.Collaborator(name)
		if !ok {
			return agents, fmt.Errorf("exploration source %s has no script entry", name)
		}
		agents.Explorers = append(agents.Explorers, c)
	}
	lookup := func(name string) collab.Collaborator {
		if c, ok := script.Collaborator(name); ok {
			return c
		}
		return nil
	}
	agents.Framer = lookup(FramerName)
	agents.Proposer = lookup(ProposerName)
	agents.Validator = lookup(ValidatorName)
	agents.ImpactAssessor = lookup(ImpactAssessorName)
	agents.Feasibility = lookup(FeasibilityName)
	agents.Risk = lookup(RiskName)
	agents.Ranker = lookup(RankerName)
	return agents, nil
}
