package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/martinemde/relay/agentloop"
	"github.com/martinemde/relay/approval"
	"github.com/martinemde/relay/config"
	"github.com/martinemde/relay/contextmgr"
	"github.com/martinemde/relay/hooks"
	"github.com/martinemde/relay/llm"
	"github.com/martinemde/relay/loopdetect"
	"github.com/martinemde/relay/sessionstore"
	"github.com/martinemde/relay/tools"
)

// agent owns everything a run needs and closes it in reverse order.
type agent struct {
	loop   *agentloop.Loop
	client *llm.Client
	store  sessionstore.Store
}

func (a *agent) Close() {
	a.loop.Close()
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("closing session store")
	}
	if err := a.client.Close(); err != nil {
		log.Warn().Err(err).Msg("closing llm client")
	}
}

func newClient(m config.ModelConfig) (*llm.Client, error) {
	maxTokens := 0
	if m.MaxTokens != nil {
		maxTokens = *m.MaxTokens
	}

	var adapter llm.ProviderAdapter
	switch m.Provider {
	case "anthropic":
		adapter = llm.NewAnthropicAdapter(m.APIKey(), m.Name, maxTokens)
	case "openai":
		adapter = llm.NewOpenAIAdapter(m.APIKey(), m.BaseURL, m.Name, maxTokens)
	default:
		opts := []llm.GollmOption{llm.WithGollmAPIKey(m.APIKey()), llm.WithGollmModel(m.Name)}
		if maxTokens > 0 {
			opts = append(opts, llm.WithGollmMaxTokens(maxTokens))
		}
		if m.Temperature != nil {
			opts = append(opts, llm.WithGollmTemperature(*m.Temperature))
		}
		g, err := llm.NewGollmAdapter(m.Provider, opts...)
		if err != nil {
			return nil, errors.Wrapf(err, "provider %s", m.Provider)
		}
		adapter = g
	}

	return llm.NewClient(
		llm.WithProvider(m.Provider, adapter),
		llm.WithDefaultProvider(m.Provider),
		llm.WithMiddleware(llm.LoggingMiddleware(log.With().Str("component", "llm").Logger())),
	), nil
}

func openStore(ctx context.Context, s config.SessionsConfig) (sessionstore.Store, error) {
	logger := log.With().Str("component", "sessionstore").Logger()
	switch s.Backend {
	case config.BackendSQLite:
		return sessionstore.NewSQLiteStore(s.URL, sessionstore.WithSQLiteLogger(logger))
	default:
		return sessionstore.NewFileStore(ctx, s.URL, sessionstore.WithFileLogger(logger))
	}
}

func newRegistry(cfg config.Config, env tools.Environment) *tools.Registry {
	shell := tools.DefaultShellOptions()
	if cfg.Shell.DefaultTimeoutMS > 0 {
		shell.DefaultTimeout = time.Duration(cfg.Shell.DefaultTimeoutMS) * time.Millisecond
	}
	if cfg.Shell.MaxTimeoutMS > 0 {
		shell.MaxTimeout = time.Duration(cfg.Shell.MaxTimeoutMS) * time.Millisecond
	}
	reg := tools.NewRegistry()
	tools.RegisterBuiltins(reg, env, shell)
	tools.RegisterExtras(reg, tools.ExtraOptions{MemoryURL: cfg.MemoryURL})
	if len(cfg.AllowedTools) > 0 {
		return reg.Subset(cfg.AllowedTools...)
	}
	return reg
}

// newAgent builds a loop from cfg. confirm may be nil, in which case calls
// needing a human answer are denied.
func newAgent(ctx context.Context, cfg config.Config, confirm approval.Confirmer) (*agent, error) {
	policy, err := approval.ParsePolicy(cfg.Approval.Policy)
	if err != nil {
		return nil, err
	}
	client, err := newClient(cfg.Model)
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg.Sessions)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "open session store")
	}

	env := tools.NewLocalEnvironment(cfg.WorkingDir)
	runner, err := hooks.NewRunner(cfg.Hooks,
		hooks.WithWorkingDir(cfg.WorkingDir),
		hooks.WithLogger(log.With().Str("component", "hooks").Logger()))
	if err != nil {
		_ = store.Close()
		_ = client.Close()
		return nil, err
	}

	gateOpts := []approval.Option{
		approval.WithWorkingDir(cfg.WorkingDir),
		approval.WithAllowedPaths(cfg.Approval.AllowedPaths...),
		approval.WithLogger(log.With().Str("component", "approval").Logger()),
	}
	if confirm != nil {
		gateOpts = append(gateOpts, approval.WithConfirmer(confirm))
	}

	retry := llm.DefaultRetryPolicy()
	manager := contextmgr.New(cfg.ContextConfig(),
		contextmgr.WithSummarizer(client, cfg.Model.Name),
		contextmgr.WithRetryPolicy(retry),
		contextmgr.WithLogger(log.With().Str("component", "context").Logger()))

	loop := agentloop.New(client, newRegistry(cfg, env), env, cfg.AgentConfig(),
		agentloop.WithGate(approval.NewGate(policy, gateOpts...)),
		agentloop.WithContextManager(manager),
		agentloop.WithDetector(loopdetect.New(cfg.LoopDetection)),
		agentloop.WithStore(store),
		agentloop.WithHooks(runner),
		agentloop.WithRetryPolicy(retry),
		agentloop.WithLogger(log.With().Str("component", "agent").Logger()))

	return &agent{loop: loop, client: client, store: store}, nil
}
