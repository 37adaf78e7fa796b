// Package config loads the effective runtime configuration: defaults,
// then the YAML file, then environment overrides, validated as one unit.
// Secrets never live here; they resolve through internal/secrets at use
// time.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/boombust/internal/alerts"
	"github.com/sawpanic/boombust/internal/alerts/notify"
	"github.com/sawpanic/boombust/internal/data/cache"
	"github.com/sawpanic/boombust/internal/domain"
	"github.com/sawpanic/boombust/internal/infrastructure/httpclient"
	"github.com/sawpanic/boombust/internal/persistence"
	"github.com/sawpanic/boombust/internal/persistence/postgres"
	"github.com/sawpanic/boombust/internal/retry"
	"github.com/sawpanic/boombust/internal/runner"
	"github.com/sawpanic/boombust/internal/scheduler"
	"github.com/sawpanic/boombust/internal/server"
	"github.com/sawpanic/boombust/internal/sources/bankprovision"
	"github.com/sawpanic/boombust/internal/sources/bdcdiscount"
	"github.com/sawpanic/boombust/internal/sources/bondissuance"
	"github.com/sawpanic/boombust/internal/sources/creditfund"
)

// Config is the root of everything tunable at deploy time.
type Config struct {
	Environment string `yaml:"environment" validate:"omitempty,oneof=dev staging prod"`
	LogLevel    string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`

	HTTP      httpclient.Config `yaml:"http"`
	Retry     retry.Policy      `yaml:"retry"`
	Cache     cache.Config      `yaml:"cache"`
	Store     StoreConfig       `yaml:"store"`
	Runner    runner.Config     `yaml:"runner"`
	Scheduler scheduler.Config  `yaml:"scheduler"`
	Server    server.Config     `yaml:"server"`
	Alerts    AlertsConfig      `yaml:"alerts"`
	Notify    NotifyConfig      `yaml:"notify"`
	Sink      SinkConfig        `yaml:"sink"`
	Sources   SourcesConfig     `yaml:"sources"`
	Secrets   SecretsConfig     `yaml:"secrets"`
}

// StoreConfig selects and tunes the state store backend.
type StoreConfig struct {
	Backend  string          `yaml:"backend" validate:"omitempty,oneof=memory file postgres"`
	Dir      string          `yaml:"dir"`
	TTL      time.Duration   `yaml:"ttl"`
	Postgres postgres.Config `yaml:"postgres"`
}

// AlertsConfig couples the engine knobs with the dev rule file.
type AlertsConfig struct {
	alerts.Config `yaml:",inline"`

	// ConfigFile is the YAML rule source upserted into the config store
	// at startup (and on change when HotReload is set).
	ConfigFile string `yaml:"config_file"`
	HotReload  bool   `yaml:"hot_reload"`
}

// storeYAML is StoreConfig's file form: ttl as a duration string.
type storeYAML struct {
	Backend  string          `yaml:"backend"`
	Dir      string          `yaml:"dir"`
	TTL      string          `yaml:"ttl"`
	Postgres postgres.Config `yaml:"postgres"`
}

// UnmarshalYAML accepts a duration string for ttl; absent keys keep the
// values already on the receiver.
func (s *StoreConfig) UnmarshalYAML(value *yaml.Node) error {
	aux := storeYAML{
		Backend:  s.Backend,
		Dir:      s.Dir,
		Postgres: s.Postgres,
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	s.Backend = aux.Backend
	s.Dir = aux.Dir
	s.Postgres = aux.Postgres
	return domain.SetDuration(&s.TTL, aux.TTL)
}

// MarshalYAML renders ttl as a duration string.
func (s StoreConfig) MarshalYAML() (interface{}, error) {
	return storeYAML{
		Backend:  s.Backend,
		Dir:      s.Dir,
		TTL:      s.TTL.String(),
		Postgres: s.Postgres,
	}, nil
}

// alertsYAML is AlertsConfig's file form: dispatch_timeout as a duration
// string.
type alertsYAML struct {
	DispatchTimeout string `yaml:"dispatch_timeout"`
	ConfigFile      string `yaml:"config_file"`
	HotReload       bool   `yaml:"hot_reload"`
}

// UnmarshalYAML accepts a duration string for dispatch_timeout; absent
// keys keep the values already on the receiver. Defined here because the
// engine config is inlined, which bypasses nested unmarshalers.
func (a *AlertsConfig) UnmarshalYAML(value *yaml.Node) error {
	aux := alertsYAML{
		ConfigFile: a.ConfigFile,
		HotReload:  a.HotReload,
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	a.ConfigFile = aux.ConfigFile
	a.HotReload = aux.HotReload
	return domain.SetDuration(&a.DispatchTimeout, aux.DispatchTimeout)
}

// MarshalYAML renders dispatch_timeout as a duration string.
func (a AlertsConfig) MarshalYAML() (interface{}, error) {
	return alertsYAML{
		DispatchTimeout: a.DispatchTimeout.String(),
		ConfigFile:      a.ConfigFile,
		HotReload:       a.HotReload,
	}, nil
}

// NotifyConfig wires delivery channels. A channel with no endpoint is
// simply not registered.
type NotifyConfig struct {
	WebhookURL      string             `yaml:"webhook_url" validate:"omitempty,url"`
	TelegramAPIBase string             `yaml:"telegram_api_base" validate:"omitempty,url"`
	TelegramChatID  string             `yaml:"telegram_chat_id"`
	SMSGatewayURL   string             `yaml:"sms_gateway_url" validate:"omitempty,url"`
	SMSTo           string             `yaml:"sms_to"`
	SlackEnabled    bool               `yaml:"slack_enabled"`
	Email           notify.EmailConfig `yaml:"email"`
}

// SinkConfig points at the optional run-summary collector.
type SinkConfig struct {
	URL string `yaml:"url" validate:"omitempty,url"`
}

// SourcesConfig tunes the four indicator adapters.
type SourcesConfig struct {
	BondIssuance  bondissuance.Config  `yaml:"bond_issuance"`
	BDCDiscount   bdcdiscount.Config   `yaml:"bdc_discount"`
	CreditFund    creditfund.Config    `yaml:"credit_fund"`
	BankProvision bankprovision.Config `yaml:"bank_provision"`
}

// SecretsConfig names the env prefix the secret provider maps keys under.
type SecretsConfig struct {
	Prefix string `yaml:"prefix"`
}

// Default returns the full effective default configuration.
func Default() *Config {
	return &Config{
		Environment: "dev",
		LogLevel:    "info",
		HTTP:        httpclient.DefaultConfig(),
		Retry:       retry.DefaultPolicy(),
		Cache:       cache.DefaultConfig(),
		Store: StoreConfig{
			Backend:  "memory",
			Dir:      "data/state",
			TTL:      persistence.DefaultTTL,
			Postgres: postgres.DefaultConfig(""),
		},
		Runner:    runner.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Server:    server.DefaultConfig(),
		Alerts: AlertsConfig{
			Config:     alerts.DefaultConfig(),
			ConfigFile: "config/alerts.yaml",
			HotReload:  true,
		},
		Notify: NotifyConfig{
			TelegramAPIBase: "https://api.telegram.org",
			Email:           notify.EmailConfig{Port: 587},
		},
		Sources: SourcesConfig{
			BondIssuance:  bondissuance.DefaultConfig(),
			BDCDiscount:   bdcdiscount.DefaultConfig(),
			CreditFund:    creditfund.DefaultConfig(),
			BankProvision: bankprovision.DefaultConfig(),
		},
		Secrets: SecretsConfig{Prefix: "BOOMBUST"},
	}
}

// Load builds the effective config: defaults, then the YAML file (if
// any), then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, domain.ConfigErr("config", fmt.Sprintf("failed to read %s", path), err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, domain.ConfigErr("config", fmt.Sprintf("failed to parse %s", path), err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads a .env file when present. Intended for dev; a missing
// file is fine, a malformed one is not.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return domain.ConfigErr("config", "failed to load .env", err)
	}
	return nil
}

// applyEnv layers the deployment environment variables over the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("STATE_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("STATE_STORE_URL"); v != "" {
		c.Store.Postgres.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.Backend = "redis"
		c.Cache.RedisAddr = v
	}
}

// Validate enforces tag constraints plus the cross-field rules tags
// cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return domain.ConfigErr("config", "invalid configuration", err)
	}
	if c.Store.Backend == "postgres" && c.Store.Postgres.DSN == "" {
		return domain.ConfigErr("config", "store.postgres.dsn is required for the postgres backend", nil)
	}
	if c.Store.Backend == "file" && c.Store.Dir == "" {
		return domain.ConfigErr("config", "store.dir is required for the file backend", nil)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return domain.ConfigErr("config", "cache.redis_addr is required for the redis backend", nil)
	}
	return nil
}

// Redacted returns a copy safe to print: connection strings and channel
// endpoints can embed credentials.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Store.Postgres.DSN != "" {
		cp.Store.Postgres.DSN = "[redacted]"
	}
	if cp.Notify.WebhookURL != "" {
		cp.Notify.WebhookURL = "[redacted]"
	}
	if cp.Notify.SMSGatewayURL != "" {
		cp.Notify.SMSGatewayURL = "[redacted]"
	}
	return &cp
}
