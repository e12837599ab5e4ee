package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/visibility-cli/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Audit      AuditConfig      `yaml:"audit" mapstructure:"audit"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Providers  ProvidersConfig  `yaml:"providers" mapstructure:"providers"`
	Generator  GeneratorConfig  `yaml:"generator" mapstructure:"generator"`
	Synthesis  SynthesisConfig  `yaml:"synthesis" mapstructure:"synthesis"`
	Registry   RegistryConfig   `yaml:"registry" mapstructure:"registry"`
	Monitor    MonitorConfig    `yaml:"monitor" mapstructure:"monitor"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int    `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// AuditConfig configures pipeline behavior and safety thresholds.
type AuditConfig struct {
	DefaultQueryCount     int     `yaml:"default_query_count" mapstructure:"default_query_count"`
	Concurrency           int     `yaml:"concurrency" mapstructure:"concurrency"`
	MinCompletionFraction float64 `yaml:"min_completion_fraction" mapstructure:"min_completion_fraction"`
	HeartbeatIntervalSecs int     `yaml:"heartbeat_interval_secs" mapstructure:"heartbeat_interval_secs"`
	StaleThresholdMins    int     `yaml:"stale_threshold_mins" mapstructure:"stale_threshold_mins"`
	ReprocessMaxAttempts  int     `yaml:"reprocess_max_attempts" mapstructure:"reprocess_max_attempts"`
	ReprocessWindowMins   int     `yaml:"reprocess_window_mins" mapstructure:"reprocess_window_mins"`
	BatchSize             int     `yaml:"batch_size" mapstructure:"batch_size"`
	CategoryTopN          int     `yaml:"category_top_n" mapstructure:"category_top_n"`
	PriorityRanks         int     `yaml:"priority_ranks" mapstructure:"priority_ranks"`
}

// HeartbeatInterval returns the heartbeat tick period.
func (a AuditConfig) HeartbeatInterval() time.Duration {
	return time.Duration(a.HeartbeatIntervalSecs) * time.Second
}

// StaleThreshold returns the heartbeat age past which an audit is a
// stuck candidate.
func (a AuditConfig) StaleThreshold() time.Duration {
	return time.Duration(a.StaleThresholdMins) * time.Minute
}

// ReprocessWindow returns the rolling window the loop guard inspects.
func (a AuditConfig) ReprocessWindow() time.Duration {
	return time.Duration(a.ReprocessWindowMins) * time.Minute
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled  bool `yaml:"enabled" mapstructure:"enabled"`
	TTLHours int  `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

// TTL returns the cache entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// ProvidersConfig holds the provider priority order and per-provider
// settings.
type ProvidersConfig struct {
	Order      []string       `yaml:"order" mapstructure:"order"`
	Anthropic  ProviderConfig `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     ProviderConfig `yaml:"openai" mapstructure:"openai"`
	Gemini     ProviderConfig `yaml:"gemini" mapstructure:"gemini"`
	Perplexity ProviderConfig `yaml:"perplexity" mapstructure:"perplexity"`
}

// ProviderConfig holds one LLM provider's settings.
type ProviderConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Model       string `yaml:"model" mapstructure:"model"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RPM         int    `yaml:"rpm" mapstructure:"rpm"`
}

// Timeout returns the per-attempt deadline for this provider.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSecs) * time.Second
}

// GeneratorConfig configures query-set generation.
type GeneratorConfig struct {
	Backend     string `yaml:"backend" mapstructure:"backend"` // templates | claude
	Seed        int64  `yaml:"seed" mapstructure:"seed"`
	MaxAttempts int    `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// SynthesisConfig configures the optional LLM rewrite of ladder output.
type SynthesisConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"` // deterministic | claude
	Model   string `yaml:"model" mapstructure:"model"`
}

// RegistryConfig configures the query template registry. When the
// Notion keys are unset, templates load from YAML fixtures instead.
type RegistryConfig struct {
	NotionAPIKey     string `yaml:"notion_api_key" mapstructure:"notion_api_key"`
	NotionDatabaseID string `yaml:"notion_database_id" mapstructure:"notion_database_id"`
	FixtureDir       string `yaml:"fixture_dir" mapstructure:"fixture_dir"`
}

// NotionConfigured reports whether the Notion-backed registry can be used.
func (r RegistryConfig) NotionConfigured() bool {
	return r.NotionAPIKey != "" && r.NotionDatabaseID != ""
}

// MonitorConfig configures the stuck-audit monitor.
type MonitorConfig struct {
	Enabled      bool   `yaml:"enabled" mapstructure:"enabled"`
	IntervalSecs int    `yaml:"interval_secs" mapstructure:"interval_secs"`
	WebhookURL   string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// Interval returns the monitor poll period.
func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalSecs) * time.Second
}

// WorkerConfig configures the polling worker.
type WorkerConfig struct {
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
}

// PollInterval returns the pending-audit poll period.
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSecs) * time.Second
}

// SalesforceConfig holds Salesforce JWT auth settings for dashboard sync.
type SalesforceConfig struct {
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	Username string `yaml:"username" mapstructure:"username"`
	KeyPath  string `yaml:"key_path" mapstructure:"key_path"`
	LoginURL string `yaml:"login_url" mapstructure:"login_url"`
}

// Enabled reports whether dashboard CRM sync is configured.
func (s SalesforceConfig) Enabled() bool { return s.ClientID != "" }

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("visibility")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("VISIBILITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "visibility.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("audit.default_query_count", 42)
	v.SetDefault("audit.concurrency", 5)
	v.SetDefault("audit.min_completion_fraction", 0.8)
	v.SetDefault("audit.heartbeat_interval_secs", 30)
	v.SetDefault("audit.stale_threshold_mins", 5)
	v.SetDefault("audit.reprocess_max_attempts", 3)
	v.SetDefault("audit.reprocess_window_mins", 60)
	v.SetDefault("audit.batch_size", 5)
	v.SetDefault("audit.category_top_n", 3)
	v.SetDefault("audit.priority_ranks", 5)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("providers.order", []string{"anthropic"})
	v.SetDefault("providers.anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("providers.anthropic.timeout_secs", 60)
	v.SetDefault("providers.anthropic.rpm", 60)
	v.SetDefault("providers.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("providers.openai.model", "gpt-4o")
	v.SetDefault("providers.openai.timeout_secs", 60)
	v.SetDefault("providers.openai.rpm", 60)
	v.SetDefault("providers.gemini.model", "gemini-2.5-flash")
	v.SetDefault("providers.gemini.timeout_secs", 60)
	v.SetDefault("providers.gemini.rpm", 60)
	v.SetDefault("providers.perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("providers.perplexity.model", "sonar-pro")
	v.SetDefault("providers.perplexity.timeout_secs", 60)
	v.SetDefault("providers.perplexity.rpm", 30)
	v.SetDefault("generator.backend", "templates")
	v.SetDefault("generator.seed", 0)
	v.SetDefault("generator.max_attempts", 3)
	v.SetDefault("synthesis.backend", "deterministic")
	v.SetDefault("synthesis.model", "claude-haiku-4-5-20251001")
	v.SetDefault("registry.fixture_dir", "fixtures")
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval_secs", 60)
	v.SetDefault("worker.poll_interval_secs", 10)
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")

	rates := cost.DefaultRates()
	v.SetDefault("pricing.anthropic", rates.Anthropic)
	v.SetDefault("pricing.openai", rates.OpenAI)
	v.SetDefault("pricing.gemini", rates.Gemini)
	v.SetDefault("pricing.perplexity", rates.Perplexity)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks configuration consistency for a run mode. Modes:
// serve, worker, run, generate.
func (c *Config) Validate(mode string) error {
	var problems []string

	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	switch mode {
	case "serve", "worker", "run", "generate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	check(c.Store.Driver == "sqlite" || c.Store.Driver == "postgres",
		"store.driver must be sqlite or postgres")
	check(c.Store.DatabaseURL != "", "store.database_url is required")
	check(c.Audit.Concurrency >= 1 && c.Audit.Concurrency <= 50,
		"audit.concurrency must be between 1 and 50")
	check(c.Audit.MinCompletionFraction > 0 && c.Audit.MinCompletionFraction <= 1,
		"audit.min_completion_fraction must be in (0, 1]")
	check(c.Audit.ReprocessMaxAttempts >= 1, "audit.reprocess_max_attempts must be >= 1")
	check(c.Audit.BatchSize >= 1, "audit.batch_size must be >= 1")
	check(c.Audit.CategoryTopN >= 1, "audit.category_top_n must be >= 1")
	check(c.Audit.PriorityRanks >= 1, "audit.priority_ranks must be >= 1")

	if mode == "serve" {
		check(c.Server.Port > 0, "server.port must be > 0")
	}

	if mode == "run" || mode == "worker" {
		check(len(c.Providers.Order) > 0, "providers.order must name at least one provider")
		for _, name := range c.Providers.Order {
			pc, ok := c.Provider(name)
			check(ok, "providers.order: unknown provider "+name)
			if ok && name != "gemini" {
				// Gemini reads GOOGLE_API_KEY from the environment when unset.
				check(pc.Key != "", "providers."+name+".key is required")
			}
		}
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// Provider returns the settings block for a named provider.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	switch name {
	case "anthropic":
		return c.Providers.Anthropic, true
	case "openai":
		return c.Providers.OpenAI, true
	case "gemini":
		return c.Providers.Gemini, true
	case "perplexity":
		return c.Providers.Perplexity, true
	}
	return ProviderConfig{}, false
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
