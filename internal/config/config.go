// Package config loads layered configuration (file + LEDGER_* env
// overrides) via viper, and initializes the global zap logger — the same
// bootstrap shape the wider codebase learned this pattern from.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	DataDir    string           `yaml:"data_dir" mapstructure:"data_dir"`
	Inference  InferenceConfig  `yaml:"inference" mapstructure:"inference"`
	Vision     EndpointConfig   `yaml:"vision" mapstructure:"vision"`
	Embedding  EndpointConfig   `yaml:"embedding" mapstructure:"embedding"`
	Auth       AuthConfig       `yaml:"auth" mapstructure:"auth"`
	Memory     MemoryConfig     `yaml:"memory" mapstructure:"memory"`
	RAG        RAGConfig        `yaml:"rag" mapstructure:"rag"`
	AML        AMLConfig        `yaml:"aml" mapstructure:"aml"`
	Home       HomeConfig       `yaml:"home" mapstructure:"home"`
	Export     ExportConfig     `yaml:"export" mapstructure:"export"`
	Approval   ApprovalConfig   `yaml:"approval" mapstructure:"approval"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// StoreConfig configures the relational backend. Driver selects between
// the embedded (sqlite) and networked (postgres) implementations of
// internal/store.Store.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" | "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// InferenceConfig configures the single in-process LLM.
type InferenceConfig struct {
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	// APIKey authenticates against Endpoint. The on-prem model server speaks
	// the Anthropic Messages API wire shape, so the same client library talks
	// to it as would talk to the hosted API — this is a bearer token the
	// local server checks, never a real Anthropic account key, and it never
	// leaves the machine.
	APIKey           string `yaml:"api_key" mapstructure:"api_key"`
	Model            string `yaml:"model" mapstructure:"model"`
	MaxSessions      int    `yaml:"max_sessions" mapstructure:"max_sessions"`
	QueueDepth       int    `yaml:"queue_depth" mapstructure:"queue_depth"`
	TotalTokenBudget int    `yaml:"total_token_budget" mapstructure:"total_token_budget"`
	ReserveTokens    int    `yaml:"reserve_tokens" mapstructure:"reserve_tokens"`
	PromptCacheSize  int    `yaml:"prompt_cache_size" mapstructure:"prompt_cache_size"`
	VisionIdleUnload string `yaml:"vision_idle_unload" mapstructure:"vision_idle_unload"`
}

// EndpointConfig is a generic URL+model pair, used for the vision and
// embedding endpoints.
type EndpointConfig struct {
	URL   string `yaml:"url" mapstructure:"url"`
	Model string `yaml:"model" mapstructure:"model"`
}

type AuthConfig struct {
	RateLimitPerUserPerMin int    `yaml:"rate_limit_per_user" mapstructure:"rate_limit_per_user"`
	SessionTTLHours        int    `yaml:"session_ttl_hours" mapstructure:"session_ttl_hours"`
	LockoutThreshold        int   `yaml:"lockout_threshold" mapstructure:"lockout_threshold"`
	LockoutCooldownMinutes  int   `yaml:"lockout_cooldown_minutes" mapstructure:"lockout_cooldown_minutes"`
}

// MemoryConfig configures L1/L2/L3.
type MemoryConfig struct {
	L1RetentionDays  int            `yaml:"l1_retention_days" mapstructure:"l1_retention_days"`
	L2HalfLifeDays   map[string]int `yaml:"l2_half_life_defaults" mapstructure:"l2_half_life_defaults"`
	L2ScoreFloor     float64        `yaml:"l2_score_floor" mapstructure:"l2_score_floor"`
	L2ReinforceAfter int            `yaml:"l2_reinforce_after" mapstructure:"l2_reinforce_after"`
	L3DatasetPath    string         `yaml:"l3_dataset_path" mapstructure:"l3_dataset_path"`
}

type RAGConfig struct {
	ConfidenceFloor float64 `yaml:"rag_confidence_floor" mapstructure:"rag_confidence_floor"`
	CorpusLawCount  int     `yaml:"corpus_law_count" mapstructure:"corpus_law_count"` // size of the base legal corpus expected at startup
	WatchedDir      string  `yaml:"watched_dir" mapstructure:"watched_dir"`
	QuarantineDir   string  `yaml:"quarantine_dir" mapstructure:"quarantine_dir"`
}

type AMLConfig struct {
	CashThreshold string `yaml:"aml_cash_threshold" mapstructure:"aml_cash_threshold"` // decimal string, home currency
}

type HomeConfig struct {
	Currency string `yaml:"home_currency" mapstructure:"home_currency"`
	// StandardVATRate is the home-country standard VAT rate (percent, as a
	// decimal string) used to self-assess reverse-charge invoices where the
	// supplier charged no VAT.
	StandardVATRate string `yaml:"standard_vat_rate" mapstructure:"standard_vat_rate"`
}

// ExportTarget is one named ERP export destination.
type ExportTarget struct {
	Kind string `yaml:"kind" mapstructure:"kind"` // "xml_file" | "csv_file" | "http"
	Dest string `yaml:"dest" mapstructure:"dest"`
}

type ExportConfig struct {
	Targets map[string]ExportTarget `yaml:"export_targets" mapstructure:"export_targets"`
	MaxTransientRetries int         `yaml:"max_transient_retries" mapstructure:"max_transient_retries"`
}

type ApprovalConfig struct {
	// RequiredForMonetary is always true; not overridable to false. Kept as
	// a field only so config validation can reject an attempt to disable it
	// with a clear error instead of silently ignoring it.
	RequiredForMonetary bool `yaml:"approval_required_for_monetary" mapstructure:"approval_required_for_monetary"`
}

// MonitoringConfig configures the background integrity/backlog checker
// and its webhook alerter.
type MonitoringConfig struct {
	CheckIntervalSecs      int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours    int    `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	AlertWebhookURL        string `yaml:"alert_webhook_url" mapstructure:"alert_webhook_url"`
	BlockedBacklogWarn     int    `yaml:"blocked_backlog_warn" mapstructure:"blocked_backlog_warn"`
	NeedsReviewBacklogWarn int    `yaml:"needs_review_backlog_warn" mapstructure:"needs_review_backlog_warn"`
}

// Load reads config.yaml (if present) layered with LEDGER_* environment
// overrides.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ledger-server")

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "./data/ledger.db")
	v.SetDefault("data_dir", "./data")

	v.SetDefault("inference.api_key", "local")
	v.SetDefault("inference.model", "local-primary")
	v.SetDefault("inference.max_sessions", 8)
	v.SetDefault("inference.queue_depth", 64)
	v.SetDefault("inference.total_token_budget", 32768)
	v.SetDefault("inference.reserve_tokens", 2048)
	v.SetDefault("inference.prompt_cache_size", 32)
	v.SetDefault("inference.vision_idle_unload", "5m")

	v.SetDefault("auth.rate_limit_per_user", 60)
	v.SetDefault("auth.session_ttl_hours", 12)
	v.SetDefault("auth.lockout_threshold", 5)
	v.SetDefault("auth.lockout_cooldown_minutes", 15)

	v.SetDefault("memory.l1_retention_days", 30)
	v.SetDefault("memory.l2_score_floor", 0.15)
	v.SetDefault("memory.l2_reinforce_after", 2)
	v.SetDefault("memory.l3_dataset_path", "./data/preference_pairs.jsonl")
	v.SetDefault("memory.l2_half_life_defaults", map[string]int{
		"client_supplier_account": 180,
		"supplier_vat_class":      365,
	})

	v.SetDefault("rag.rag_confidence_floor", 0.55)
	v.SetDefault("rag.corpus_law_count", 27)
	v.SetDefault("rag.watched_dir", "./data/watched")
	v.SetDefault("rag.quarantine_dir", "./data/quarantine")

	v.SetDefault("aml.aml_cash_threshold", "10000.00")
	v.SetDefault("home.home_currency", "EUR")
	v.SetDefault("home.standard_vat_rate", "25.00")

	v.SetDefault("export.max_transient_retries", 5)
	v.SetDefault("approval.approval_required_for_monetary", true)

	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.blocked_backlog_warn", 5)
	v.SetDefault("monitoring.needs_review_backlog_warn", 20)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if !cfg.Approval.RequiredForMonetary {
		return nil, eris.New("config: approval_required_for_monetary cannot be disabled")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
