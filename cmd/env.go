package main

import (
	"context"
	"os"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/audit"
	"github.com/sells-group/visibility-cli/internal/cost"
	"github.com/sells-group/visibility-cli/internal/dashboard"
	"github.com/sells-group/visibility-cli/internal/generator"
	"github.com/sells-group/visibility-cli/internal/insight"
	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/monitoring"
	"github.com/sells-group/visibility-cli/internal/registry"
	"github.com/sells-group/visibility-cli/internal/store"
	"github.com/sells-group/visibility-cli/internal/waterfall"
	"github.com/sells-group/visibility-cli/internal/waterfall/provider"
	anthropicpkg "github.com/sells-group/visibility-cli/pkg/anthropic"
	"github.com/sells-group/visibility-cli/pkg/notion"
	sfpkg "github.com/sells-group/visibility-cli/pkg/salesforce"
)

// auditEnv holds the initialized store, registries, and runner shared by
// the serve/worker/run commands.
type auditEnv struct {
	Store     store.Store
	Runner    *audit.Runner
	Executor  *waterfall.Executor
	Templates *model.TemplateSet
	Registry  *provider.Registry
	Collector *monitoring.Collector
}

// Close releases resources held by the environment.
func (e *auditEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "visibility.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: int32(cfg.Store.MaxConns),
			MinConns: int32(cfg.Store.MinConns),
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initSalesforce builds the CRM client for dashboard sync, or nil when
// sync is not configured.
func initSalesforce() (sfpkg.Client, error) {
	if !cfg.Salesforce.Enabled() {
		return nil, nil
	}

	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}

	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         cfg.Salesforce.LoginURL,
		Username:       cfg.Salesforce.Username,
		ConsumerKey:    cfg.Salesforce.ClientID,
		ConsumerRSAPem: string(pemData),
	})
	if err != nil {
		return nil, eris.Wrap(err, "init salesforce")
	}

	return sfpkg.NewClient(sf), nil
}

// initTemplates loads the query template registry: Notion when
// configured, YAML fixtures otherwise.
func initTemplates(ctx context.Context) (*model.TemplateSet, error) {
	if cfg.Registry.NotionConfigured() {
		client := notion.NewClient(cfg.Registry.NotionAPIKey)
		templates, err := registry.LoadTemplateRegistry(ctx, client, cfg.Registry.NotionDatabaseID)
		if err != nil {
			return nil, eris.Wrap(err, "load template registry")
		}
		return model.NewTemplateSet(templates), nil
	}

	zap.L().Warn("notion not configured, loading templates from fixture files",
		zap.String("dir", cfg.Registry.FixtureDir),
	)
	templates, err := registry.LoadTemplatesFromDir(cfg.Registry.FixtureDir)
	if err != nil {
		return nil, eris.Wrap(err, "load template fixtures")
	}
	return model.NewTemplateSet(templates), nil
}

func initGenerator(set *model.TemplateSet) (*generator.Generator, error) {
	var backend generator.Backend
	switch cfg.Generator.Backend {
	case "templates", "":
		backend = generator.NewTemplateBackend(set, cfg.Generator.Seed)
	case "claude":
		backend = generator.NewClaudeBackend(
			anthropicpkg.NewClient(cfg.Providers.Anthropic.Key),
			cfg.Providers.Anthropic.Model,
		)
	default:
		return nil, eris.Errorf("unsupported generator backend: %s", cfg.Generator.Backend)
	}
	return generator.New(backend, cfg.Generator.MaxAttempts), nil
}

// initEnv sets up the store, provider registry, templates, and the full
// audit runner. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*auditEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	set, err := initTemplates(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if missing := set.MissingPhases(); len(missing) > 0 {
		zap.L().Warn("template registry has empty phases", zap.Any("phases", missing))
	}

	gen, err := initGenerator(set)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	reg, err := provider.BuildRegistry(ctx, cfg.Providers)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	exec := waterfall.NewExecutor(st, reg, cost.NewCalculator(cfg.Pricing), waterfall.ConfigFrom(cfg))

	syn := insight.NewSynthesizer(cfg.Synthesis, anthropicpkg.NewClient(cfg.Providers.Anthropic.Key))

	sfClient, err := initSalesforce()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	var syncer *dashboard.Syncer
	if sfClient != nil {
		syncer = dashboard.NewSyncer(st, sfClient)
		zap.L().Info("salesforce dashboard sync enabled")
	}

	runner := audit.New(st, gen, exec, syn, dashboard.NewPopulator(st, syncer), audit.ConfigFrom(cfg))

	zap.L().Info("environment initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Strings("providers", cfg.Providers.Order),
		zap.Int("templates", set.Len()),
	)

	return &auditEnv{
		Store:     st,
		Runner:    runner,
		Executor:  exec,
		Templates: set,
		Registry:  reg,
		Collector: monitoring.NewCollector(st, cfg.Audit.StaleThreshold()),
	}, nil
}
