package main

import (
	"context"
	"errors"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/boombust/internal/alerts"
	"github.com/sawpanic/boombust/internal/alerts/notify"
	"github.com/sawpanic/boombust/internal/config"
	"github.com/sawpanic/boombust/internal/data/cache"
	"github.com/sawpanic/boombust/internal/data/validate"
	"github.com/sawpanic/boombust/internal/infrastructure/httpclient"
	"github.com/sawpanic/boombust/internal/metrics"
	"github.com/sawpanic/boombust/internal/persistence"
	"github.com/sawpanic/boombust/internal/persistence/filestore"
	"github.com/sawpanic/boombust/internal/persistence/postgres"
	"github.com/sawpanic/boombust/internal/retry"
	"github.com/sawpanic/boombust/internal/runner"
	"github.com/sawpanic/boombust/internal/scheduler"
	"github.com/sawpanic/boombust/internal/secrets"
	"github.com/sawpanic/boombust/internal/sources"
	"github.com/sawpanic/boombust/internal/sources/bankprovision"
	"github.com/sawpanic/boombust/internal/sources/bdcdiscount"
	"github.com/sawpanic/boombust/internal/sources/bondissuance"
	"github.com/sawpanic/boombust/internal/sources/creditfund"
)

// app owns every long-lived component a command needs. Close releases the
// cache and store handles.
type app struct {
	cfg *config.Config
	log zerolog.Logger

	vault     secrets.Provider
	pool      *httpclient.Pool
	cache     cache.Store
	store     persistence.StateStore
	alertCfgs persistence.AlertConfigStore
	alertInst persistence.AlertInstanceStore
	adapters  *sources.Registry
	prom      *metrics.Registry
	engine    *alerts.Engine
	pipeline  *runner.Runner
	sched     *scheduler.Scheduler
}

// loadConfig builds the effective configuration from the --config flag.
// The default path is optional so the binary works out of the box; an
// explicitly passed path that is missing is an error.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}

	path, _ := cmd.Flags().GetString("config")
	if !cmd.Flags().Changed("config") && !fileExists(path) {
		path = ""
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	// The flag wins over the file; this layers the file's level when the
	// flag was left unset.
	if raw, _ := cmd.Flags().GetString("log-level"); raw == "" && cfg.LogLevel != "" {
		if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}
	return cfg, nil
}

// buildApp wires the full collection pipeline. The context bounds startup
// work: the postgres ping, migrations, and the initial alert-rule sync.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := log.Logger

	vault := secrets.NewCached(secrets.NewEnvProvider(cfg.Secrets.Prefix))
	pool := httpclient.NewPool(cfg.HTTP, logger)

	cacheStore, err := cache.New(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}

	store, alertCfgs, alertInst, err := openStores(cfg.Store, logger)
	if err != nil {
		cacheStore.Close()
		return nil, err
	}

	prom := metrics.NewRegistry(nil)
	sink := metrics.NewSink(cfg.Sink.URL, logger)
	retrier := retry.New(cfg.Retry, logger)
	validator := validate.NewValidator(validate.DefaultQualityConfig(), cfg.Runner.HistoryWindow, logger)

	engine := alerts.New(cfg.Alerts.Config, alerts.Deps{
		Configs:   alertCfgs,
		Instances: alertInst,
		History:   store,
		Notifiers: buildNotifiers(cfg.Notify, pool, vault),
		Retrier:   retrier,
		Metrics:   prom,
		Log:       logger,
	})

	pipeline := runner.New(cfg.Runner, runner.Deps{
		Cache:     cacheStore,
		Store:     store,
		Validator: validator,
		Retrier:   retrier,
		Metrics:   prom,
		Sink:      sink,
		Alerts:    engine,
		Log:       logger,
	})

	adapters := sources.NewRegistry()
	srcDeps := sources.Deps{HTTP: pool, Secrets: vault, Log: logger}
	for _, adapter := range []sources.Adapter{
		bondissuance.New(cfg.Sources.BondIssuance, srcDeps),
		bdcdiscount.New(cfg.Sources.BDCDiscount, srcDeps),
		creditfund.New(cfg.Sources.CreditFund, srcDeps),
		bankprovision.New(cfg.Sources.BankProvision, srcDeps),
	} {
		if err := adapters.Register(adapter); err != nil {
			cacheStore.Close()
			store.Close()
			return nil, err
		}
	}

	sched := scheduler.New(cfg.Scheduler, scheduler.Deps{
		Runner:   pipeline,
		Registry: adapters,
		Store:    store,
		Log:      logger,
	})

	if err := syncAlertRules(ctx, cfg, alertCfgs, logger); err != nil {
		cacheStore.Close()
		store.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		log:       logger,
		vault:     vault,
		pool:      pool,
		cache:     cacheStore,
		store:     store,
		alertCfgs: alertCfgs,
		alertInst: alertInst,
		adapters:  adapters,
		prom:      prom,
		engine:    engine,
		pipeline:  pipeline,
		sched:     sched,
	}, nil
}

// openStores builds the configured state-store backend. Alert configs and
// instances live in postgres when it is the backend; the other backends
// keep them in memory with the YAML rule file as the authority.
func openStores(cfg config.StoreConfig, logger zerolog.Logger) (persistence.StateStore, persistence.AlertConfigStore, persistence.AlertInstanceStore, error) {
	switch cfg.Backend {
	case "postgres":
		pg, err := postgres.Open(cfg.Postgres, cfg.TTL, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return pg, pg, pg, nil

	case "file":
		fs, err := filestore.New(cfg.Dir, cfg.TTL, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		mem := persistence.NewMemoryAlertStore()
		return fs, mem, mem, nil

	default:
		mem := persistence.NewMemoryAlertStore()
		return persistence.NewMemoryStore(cfg.TTL), mem, mem, nil
	}
}

// buildNotifiers registers one notifier per configured channel endpoint.
// A channel with no endpoint simply is not built; the engine records its
// deliveries as failed attempts.
func buildNotifiers(cfg config.NotifyConfig, pool *httpclient.Pool, vault secrets.Provider) []notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, pool))
	}
	if cfg.SlackEnabled {
		notifiers = append(notifiers, notify.NewSlack(vault))
	}
	if cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notify.NewTelegram(cfg.TelegramAPIBase, cfg.TelegramChatID, pool, vault))
	}
	if cfg.SMSGatewayURL != "" && cfg.SMSTo != "" {
		notifiers = append(notifiers, notify.NewSMS(cfg.SMSGatewayURL, cfg.SMSTo, pool, vault))
	}
	if len(cfg.Email.To) > 0 {
		notifiers = append(notifiers, notify.NewEmail(cfg.Email, vault))
	}
	return notifiers
}

// syncAlertRules upserts the YAML rule file into the config store. A
// missing file is tolerated when the store is the rule authority; a file
// that exists but fails validation aborts startup.
func syncAlertRules(ctx context.Context, cfg *config.Config, store persistence.AlertConfigStore, logger zerolog.Logger) error {
	path := cfg.Alerts.ConfigFile
	if path == "" {
		return nil
	}
	if !fileExists(path) {
		logger.Warn().Str("path", path).Msg("Alert rule file not found, relying on stored rules")
		return nil
	}
	return config.SyncAlertConfigs(ctx, path, store, logger)
}

// Close releases the cache and store handles.
func (a *app) Close() {
	if err := a.cache.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Cache close failed")
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Store close failed")
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
