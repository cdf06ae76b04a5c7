package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/praxisworks/praxis/internal/agent"
	"github.com/praxisworks/praxis/internal/agent/providers"
	"github.com/praxisworks/praxis/internal/channels"
	"github.com/praxisworks/praxis/internal/channels/cli"
	"github.com/praxisworks/praxis/internal/channels/dingtalk"
	"github.com/praxisworks/praxis/internal/channels/discord"
	"github.com/praxisworks/praxis/internal/channels/feishu"
	"github.com/praxisworks/praxis/internal/channels/onebot"
	slackchannel "github.com/praxisworks/praxis/internal/channels/slack"
	"github.com/praxisworks/praxis/internal/channels/telegram"
	"github.com/praxisworks/praxis/internal/channels/web"
	"github.com/praxisworks/praxis/internal/channels/wecom"
	"github.com/praxisworks/praxis/internal/cluster"
	"github.com/praxisworks/praxis/internal/compaction"
	"github.com/praxisworks/praxis/internal/config"
	"github.com/praxisworks/praxis/internal/cron"
	"github.com/praxisworks/praxis/internal/gateway"
	"github.com/praxisworks/praxis/internal/history"
	"github.com/praxisworks/praxis/internal/memory"
	"github.com/praxisworks/praxis/internal/observability"
	"github.com/praxisworks/praxis/internal/response"
	"github.com/praxisworks/praxis/internal/sessions"
	"github.com/praxisworks/praxis/internal/tools"
	"github.com/praxisworks/praxis/internal/tools/browser"
)

// Runtime is the fully assembled serve-mode process: every component wired
// from one Config, started and stopped as a unit.
type Runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics        *observability.Metrics
	tracer         *observability.Tracer
	tracerShutdown func(context.Context) error

	sessions  *sessions.Manager
	memory    *memory.Manager
	browser   *browser.Browser
	tools     *agent.ToolRegistry
	engine    *agent.Engine
	orch      *Orchestrator
	gateway   *gateway.Gateway
	scheduler *cron.Scheduler
	master    *cluster.Master
	web       *web.Server
}

// NewRuntime wires the whole serve-mode dependency graph. Nothing is started
// yet; Start brings the components up in dependency order.
func NewRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dataDir := cfg.Storage.DataDir

	metrics := observability.NewMetrics(nil)
	tracer, tracerShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:  "praxis",
		Endpoint:     cfg.Observability.OTLPEndpoint,
		SamplingRate: cfg.Observability.SampleRate,
		DataDir:      cfg.Observability.TraceDir,
	})

	recorder, err := history.NewRecorder(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("history recorder: %w", err)
	}

	sessMgr, err := sessions.NewManager(sessions.Config{
		DataDir:         dataDir,
		MaxHistory:      cfg.Sessions.MaxHistory,
		SessionTimeout:  time.Duration(cfg.Sessions.TimeoutMinutes) * time.Minute,
		CleanupInterval: cfg.Sessions.CleanupInterval,
		SaveDelay:       time.Duration(cfg.Sessions.SaveDelaySeconds) * time.Second,
		Logger:          logger,
		Metrics:         metrics,
		History:         recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("session manager: %w", err)
	}

	endpoints, err := buildEndpoints(ctx, cfg.LLM)
	if err != nil {
		return nil, err
	}
	brain := agent.NewBrain(endpoints,
		agent.WithBrainLogger(logger),
		agent.WithBrainTracer(tracer),
		agent.WithBrainMetrics(metrics),
	)

	mem, err := memory.NewManager(dataDir, memory.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("memory manager: %w", err)
	}

	toolReg := agent.NewToolRegistry(logger)
	chrome := browser.New(browser.Config{
		Headless:      true,
		ScreenshotDir: filepath.Join(dataDir, "screenshots"),
		Logger:        logger,
	})
	if err := registerTools(toolReg, chrome); err != nil {
		return nil, err
	}

	executorCfg := agent.DefaultExecutorConfig()
	if cfg.Agent.MaxToolParallel > 0 {
		executorCfg.MaxParallel = cfg.Agent.MaxToolParallel
	}
	executor := agent.NewToolExecutor(toolReg, executorCfg,
		agent.WithExecutorLogger(logger),
		agent.WithExecutorTracer(tracer),
		agent.WithExecutorMetrics(metrics),
	)

	engineCfg := agent.DefaultEngineConfig()
	if cfg.Agent.MaxIterations > 0 {
		engineCfg.MaxIterations = cfg.Agent.MaxIterations
	}
	engine := agent.NewEngine(brain, executor,
		agent.WithEngineConfig(engineCfg),
		agent.WithCompactor(compaction.NewCompactor(&brainSummarizer{brain: brain})),
		agent.WithVerifier(response.NewVerifier(brain)),
		agent.WithRetrospector(response.NewRetrospector(brain, mem, logger)),
		agent.WithEngineLogger(logger),
		agent.WithEngineTracer(tracer),
		agent.WithEngineMetrics(metrics),
	)

	orch := New(engine, sessMgr, toolReg, Config{
		SystemPrompt:  cfg.Agent.SystemPrompt,
		FallbackModel: cfg.LLM.FallbackModel,
		LLMRetries:    cfg.Agent.LLMRetries,
		Logger:        logger,
	})

	adapters := channels.NewRegistry()
	gw := gateway.New(adapters, sessMgr, orch.HandleRequest, gateway.Config{
		Logger:  logger,
		Metrics: metrics,
	})
	orch.SetGateway(gw)

	rt := &Runtime{
		cfg:            cfg,
		logger:         logger.With("component", "runtime"),
		metrics:        metrics,
		tracer:         tracer,
		tracerShutdown: tracerShutdown,
		sessions:       sessMgr,
		memory:         mem,
		browser:        chrome,
		tools:          toolReg,
		engine:         engine,
		orch:           orch,
		gateway:        gw,
	}

	if err := rt.buildAdapters(ctx); err != nil {
		return nil, err
	}

	if cfg.Scheduler.Enabled {
		store, err := cron.NewStore(dataDir)
		if err != nil {
			return nil, fmt.Errorf("scheduler store: %w", err)
		}
		sched, err := cron.New(store, orch, cron.Config{
			TickInterval:   cfg.Scheduler.TickInterval,
			AdvanceSeconds: cfg.Scheduler.AdvanceSeconds,
			MaxConcurrent:  cfg.Scheduler.MaxConcurrent,
		}, cron.WithLogger(logger), cron.WithMetrics(metrics))
		if err != nil {
			return nil, fmt.Errorf("scheduler: %w", err)
		}
		rt.scheduler = sched
	}

	if cfg.Cluster.Enabled {
		registry, err := cluster.NewRegistry(dataDir,
			cluster.WithRegistryLogger(logger),
			cluster.WithHeartbeatTimeout(cfg.Cluster.HeartbeatTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("cluster registry: %w", err)
		}
		rt.master = cluster.NewMaster(cluster.MasterConfig{
			ListenAddr: cfg.Cluster.BusListenAddr,
			MinWorkers: cfg.Cluster.MinWorkers,
			Logger:     logger,
		}, registry, orch.RunPayload)
		orch.SetMaster(rt.master)
	}

	if cfg.Channels.Web.Enabled {
		rt.web = web.NewServer(orch, web.Config{
			ListenAddr: cfg.Channels.Web.ListenAddr,
			Logger:     logger,
		})
	}

	return rt, nil
}

// ApplyConfig applies the hot-swappable subset of a reloaded config. Only
// settings that take effect per turn are applied; anything wired at
// construction (providers, adapters, listeners) needs a restart.
func (rt *Runtime) ApplyConfig(next *config.Config) {
	if next == nil {
		return
	}
	rt.orch.SetSystemPrompt(next.Agent.SystemPrompt)
	rt.logger.Info("config applied", "hot", "system_prompt")
}

// Orchestrator exposes the wired orchestrator, for the chat command.
func (rt *Runtime) Orchestrator() *Orchestrator { return rt.orch }

// Gateway exposes the wired gateway.
func (rt *Runtime) Gateway() *gateway.Gateway { return rt.gateway }

// Scheduler exposes the wired scheduler; nil when disabled.
func (rt *Runtime) Scheduler() *cron.Scheduler { return rt.scheduler }

// Start brings everything up: session persistence, gateway and adapters,
// scheduler, cluster bus, web server.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.sessions.Start()
	if err := rt.gateway.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if rt.scheduler != nil {
		if err := rt.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}
	if rt.master != nil {
		if err := rt.master.Start(ctx); err != nil {
			return fmt.Errorf("cluster master: %w", err)
		}
	}
	if rt.web != nil {
		if err := rt.web.Start(ctx); err != nil {
			return fmt.Errorf("web server: %w", err)
		}
	}
	rt.logger.Info("runtime started")
	return nil
}

// Stop shuts the runtime down in reverse order. Every component gets its
// chance even if an earlier one fails; the first error wins.
func (rt *Runtime) Stop(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if rt.web != nil {
		record(rt.web.Stop(ctx))
	}
	if rt.master != nil {
		record(rt.master.Stop(ctx))
	}
	if rt.scheduler != nil {
		record(rt.scheduler.Stop(ctx))
	}
	record(rt.gateway.Stop(ctx))
	rt.browser.Close()
	record(rt.sessions.Stop())
	if rt.tracerShutdown != nil {
		record(rt.tracerShutdown(ctx))
	}
	rt.logger.Info("runtime stopped")
	return firstErr
}

// buildAdapters constructs every enabled channel adapter and registers it
// with the gateway. A misconfigured adapter fails startup rather than being
// silently skipped.
func (rt *Runtime) buildAdapters(ctx context.Context) error {
	ch := rt.cfg.Channels
	logger := rt.logger

	if ch.Telegram.Enabled {
		a, err := telegram.New(telegram.Config{Token: ch.Telegram.BotToken, Logger: logger})
		if err != nil {
			return fmt.Errorf("telegram adapter: %w", err)
		}
		if err := rt.gateway.RegisterAdapter(ctx, a); err != nil {
			return err
		}
	}
	if ch.Feishu.Enabled {
		a, err := feishu.New(feishu.Config{
			AppID:             ch.Feishu.AppID,
			AppSecret:         ch.Feishu.AppSecret,
			VerificationToken: ch.Feishu.VerificationToken,
			ListenAddr:        ch.Feishu.ListenAddr,
			Logger:            logger,
		})
		if err != nil {
			return fmt.Errorf("feishu adapter: %w", err)
		}
		if err := rt.gateway.RegisterAdapter(ctx, a); err != nil {
			return err
		}
	}
	if ch.WeCom.Enabled {
		agentID, err := strconv.Atoi(ch.WeCom.AgentID)
		if err != nil {
			return fmt.Errorf("wecom adapter: invalid agent_id %q", ch.WeCom.AgentID)
		}
		a, err := wecom.New(wecom.Config{
			CorpID:         ch.WeCom.CorpID,
			CorpSecret:     ch.WeCom.Secret,
			AgentID:        agentID,
			Token:          ch.WeCom.Token,
			EncodingAESKey: ch.WeCom.EncodingAESKey,
			ListenAddr:     ch.WeCom.ListenAddr,
			Logger:         logger,
		})
		if err != nil {
			return fmt.Errorf("wecom adapter: %w", err)
		}
		if err := rt.gateway.RegisterAdapter(ctx, a); err != nil {
			return err
		}
	}
	if ch.DingTalk.Enabled {
		a, err := dingtalk.New(dingtalk.Config{
			AppSecret:     ch.DingTalk.AppSecret,
			WebhookURL:    ch.DingTalk.WebhookURL,
			WebhookSecret: ch.DingTalk.WebhookSecret,
			ListenAddr:    ch.DingTalk.ListenAddr,
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("dingtalk adapter: %w", err)
		}
		if err := rt.gateway.RegisterAdapter(ctx, a); err != nil {
			return err
		}
	}
	if ch.OneBot.Enabled {
		a, err := onebot.New(onebot.Config{
			URL:         ch.OneBot.WSURL,
			AccessToken: ch.OneBot.AccessToken,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("onebot adapter: %w", err)
		}
		if err := rt.gateway.RegisterAdapter(ctx, a); err != nil {
			return err
		}
	}
	if ch.Slack.Enabled {
		a, err := slackchannel.New(slackchannel.Config{
			BotToken: ch.Slack.BotToken,
			AppToken: ch.Slack.AppToken,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("slack adapter: %w", err)
		}
		if err := rt.gateway.RegisterAdapter(ctx, a); err != nil {
			return err
		}
	}
	if ch.Discord.Enabled {
		a, err := discord.New(discord.Config{BotToken: ch.Discord.BotToken, Logger: logger})
		if err != nil {
			return fmt.Errorf("discord adapter: %w", err)
		}
		if err := rt.gateway.RegisterAdapter(ctx, a); err != nil {
			return err
		}
	}
	if ch.CLI.Enabled {
		if err := rt.gateway.RegisterAdapter(ctx, cli.New(cli.Config{Logger: logger})); err != nil {
			return err
		}
	}
	return nil
}

// registerTools fills the registry with the built-in tool set.
func registerTools(reg *agent.ToolRegistry, chrome *browser.Browser) error {
	builtins := []agent.Tool{
		tools.CreatePlanTool{},
		tools.UpdatePlanTool{},
		tools.CompletePlanTool{},
		tools.AskUserTool{},
		tools.DeliverArtifactsTool{},
		&tools.ShellTool{},
		&tools.FetchTool{},
	}
	builtins = append(builtins, chrome.Tools()...)
	for _, t := range builtins {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("register tool %s: %w", t.Name(), err)
		}
	}
	return nil
}

// buildEndpoints turns the provider config map into a populated endpoint
// registry. Unknown provider names are treated as OpenAI-compatible
// endpoints, which covers the long tail of proxies and local servers.
func buildEndpoints(ctx context.Context, cfg config.LLMConfig) (*agent.EndpointRegistry, error) {
	endpoints := agent.NewEndpointRegistry()
	for name, pc := range cfg.Providers {
		var (
			provider agent.LLMProvider
			err      error
		)
		switch name {
		case "anthropic":
			provider, err = providers.NewAnthropicProvider(providers.AnthropicConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
			})
		case "bedrock":
			provider, err = providers.NewBedrockProvider(ctx, providers.BedrockConfig{
				Region:       pc.Region,
				DefaultModel: pc.DefaultModel,
			})
		default:
			provider = providers.NewOpenAIProvider(providers.OpenAIConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				Name:         name,
				DefaultModel: pc.DefaultModel,
			})
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		endpoints.Register(provider)
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	if cfg.DefaultModel != "" {
		endpoints.SetDefault(cfg.DefaultModel)
	}
	return endpoints, nil
}

// brainSummarizer adapts the Brain's plain completion surface to the
// compactor's Summarizer contract.
type brainSummarizer struct {
	brain *agent.Brain
}

func (s *brainSummarizer) Summarize(ctx context.Context, text string, targetTokens int) (string, error) {
	system := "你是对话压缩助手。压缩给定内容，保留关键事实、已做的决定和未完成的事项，丢弃寒暄和重复。"
	prompt := fmt.Sprintf("请将以下内容总结为大约 %d 个 token 以内的摘要：\n\n%s", targetTokens, text)
	return s.brain.CompleteText(ctx, system, prompt)
}
