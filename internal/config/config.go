// Package config loads and watches the praxis.yaml configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Praxis.
type Config struct {
	Agent         AgentConfig         `yaml:"agent"`
	LLM           LLMConfig           `yaml:"llm"`
	Channels      ChannelsConfig      `yaml:"channels"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Cluster       ClusterConfig       `yaml:"cluster"`
	Observability ObservabilityConfig `yaml:"observability"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// AgentConfig tunes the reasoning engine.
type AgentConfig struct {
	SystemPrompt     string `yaml:"system_prompt"`
	MaxIterations    int    `yaml:"max_iterations"`
	MaxToolParallel  int    `yaml:"max_tool_parallel"`
	MaxNoToolRetries int    `yaml:"max_no_tool_retries"`
	LLMRetries       int    `yaml:"llm_retries"`
}

// LLMConfig declares providers and the model-switch fallback chain.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	DefaultModel    string                       `yaml:"default_model"`
	FallbackModel   string                       `yaml:"fallback_model"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

// LLMProviderConfig configures one provider endpoint.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
	Region       string `yaml:"region"` // bedrock only
}

// ChannelsConfig enables and configures the channel adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Feishu   FeishuConfig   `yaml:"feishu"`
	WeCom    WeComConfig    `yaml:"wecom"`
	DingTalk DingTalkConfig `yaml:"dingtalk"`
	OneBot   OneBotConfig   `yaml:"onebot"`
	Slack    SlackConfig    `yaml:"slack"`
	Discord  DiscordConfig  `yaml:"discord"`
	Web      WebConfig      `yaml:"web"`
	CLI      CLIConfig      `yaml:"cli"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type FeishuConfig struct {
	Enabled           bool   `yaml:"enabled"`
	AppID             string `yaml:"app_id"`
	AppSecret         string `yaml:"app_secret"`
	VerificationToken string `yaml:"verification_token"`
	ListenAddr        string `yaml:"listen_addr"`
}

type WeComConfig struct {
	Enabled        bool   `yaml:"enabled"`
	CorpID         string `yaml:"corp_id"`
	AgentID        string `yaml:"agent_id"`
	Secret         string `yaml:"secret"`
	Token          string `yaml:"token"`
	EncodingAESKey string `yaml:"encoding_aes_key"`
	ListenAddr     string `yaml:"listen_addr"`
}

type DingTalkConfig struct {
	Enabled       bool   `yaml:"enabled"`
	AppKey        string `yaml:"app_key"`
	AppSecret     string `yaml:"app_secret"`
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`
	ListenAddr    string `yaml:"listen_addr"`
}

type OneBotConfig struct {
	Enabled     bool   `yaml:"enabled"`
	WSURL       string `yaml:"ws_url"`
	AccessToken string `yaml:"access_token"`
}

type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type WebConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type CLIConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SessionsConfig tunes the session manager.
type SessionsConfig struct {
	MaxHistory       int           `yaml:"max_history"`
	TimeoutMinutes   int           `yaml:"timeout_minutes"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	SaveDelaySeconds int           `yaml:"save_delay_seconds"`
}

// SchedulerConfig tunes the timed-task engine.
type SchedulerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	TickInterval   time.Duration `yaml:"tick_interval"`
	AdvanceSeconds int           `yaml:"advance_seconds"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
}

// ClusterConfig enables the optional master-worker deployment.
type ClusterConfig struct {
	Enabled          bool          `yaml:"enabled"`
	BusListenAddr    string        `yaml:"bus_listen_addr"`
	MasterURL        string        `yaml:"master_url"`
	MinWorkers       int           `yaml:"min_workers"`
	MaxWorkers       int           `yaml:"max_workers"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	TraceDir     string  `yaml:"trace_dir"`
}

// StorageConfig locates the JSON persistence root.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, env-expands, parses, defaults, and validates the config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and no
// channels enabled. Used by tests and by `praxis chat` when no file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 100
	}
	if cfg.Agent.MaxToolParallel == 0 {
		cfg.Agent.MaxToolParallel = 1
	}
	if cfg.Agent.MaxNoToolRetries == 0 {
		cfg.Agent.MaxNoToolRetries = 1
	}
	if cfg.Agent.LLMRetries == 0 {
		cfg.Agent.LLMRetries = 2
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Sessions.MaxHistory == 0 {
		cfg.Sessions.MaxHistory = 100
	}
	if cfg.Sessions.TimeoutMinutes == 0 {
		cfg.Sessions.TimeoutMinutes = 30
	}
	if cfg.Sessions.CleanupInterval == 0 {
		cfg.Sessions.CleanupInterval = 300 * time.Second
	}
	if cfg.Sessions.SaveDelaySeconds == 0 {
		cfg.Sessions.SaveDelaySeconds = 5
	}
	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = 2 * time.Second
	}
	if cfg.Scheduler.AdvanceSeconds == 0 {
		cfg.Scheduler.AdvanceSeconds = 20
	}
	if cfg.Scheduler.MaxConcurrent == 0 {
		cfg.Scheduler.MaxConcurrent = 5
	}
	if cfg.Cluster.MinWorkers == 0 {
		cfg.Cluster.MinWorkers = 1
	}
	if cfg.Cluster.MaxWorkers == 0 {
		cfg.Cluster.MaxWorkers = 4
	}
	if cfg.Cluster.HeartbeatTimeout == 0 {
		cfg.Cluster.HeartbeatTimeout = 15 * time.Second
	}
	if cfg.Cluster.BusListenAddr == "" {
		cfg.Cluster.BusListenAddr = "127.0.0.1:7600"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Channels.Web.ListenAddr == "" {
		cfg.Channels.Web.ListenAddr = "127.0.0.1:8420"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be >= 1")
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.BotToken == "" {
		return fmt.Errorf("channels.telegram.bot_token is required when telegram is enabled")
	}
	if c.Channels.OneBot.Enabled && c.Channels.OneBot.WSURL == "" {
		return fmt.Errorf("channels.onebot.ws_url is required when onebot is enabled")
	}
	if c.Channels.Feishu.Enabled && c.Channels.Feishu.ListenAddr == "" {
		return fmt.Errorf("channels.feishu.listen_addr is required when feishu is enabled")
	}
	if c.Channels.WeCom.Enabled && c.Channels.WeCom.ListenAddr == "" {
		return fmt.Errorf("channels.wecom.listen_addr is required when wecom is enabled")
	}
	if c.Channels.DingTalk.Enabled && c.Channels.DingTalk.ListenAddr == "" {
		return fmt.Errorf("channels.dingtalk.listen_addr is required when dingtalk is enabled")
	}
	if c.Cluster.Enabled && c.Cluster.MinWorkers > c.Cluster.MaxWorkers {
		return fmt.Errorf("cluster.min_workers must be <= cluster.max_workers")
	}
	if c.Scheduler.AdvanceSeconds < 0 {
		return fmt.Errorf("scheduler.advance_seconds must be >= 0")
	}
	return nil
}
