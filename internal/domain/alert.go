package domain

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// ThresholdType selects the alert evaluation rule.
type ThresholdType string

const (
	ThresholdAbsolute         ThresholdType = "absolute"
	ThresholdPercentageChange ThresholdType = "percentage_change"
)

// Channel is a delivery target for fired alerts.
type Channel string

const (
	ChannelEmail     Channel = "email"
	ChannelSlack     Channel = "slack"
	ChannelTelegram  Channel = "telegram"
	ChannelSMS       Channel = "sms"
	ChannelWebhook   Channel = "webhook"
	ChannelDashboard Channel = "dashboard"
)

// Severity grades a fired alert for routing and display.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// DefaultDedupWindow is applied when an AlertConfig does not set its own.
const DefaultDedupWindow = 6 * time.Hour

// AlertConfig is a per-user rule. The dashboard owns creation; the core
// only reads (and upserts on the dashboard's behalf).
type AlertConfig struct {
	ID                   string        `json:"id" yaml:"id" db:"id"`
	UserID               string        `json:"user_id" yaml:"user_id" db:"user_id"`
	DataSource           DataSource    `json:"data_source" yaml:"data_source" db:"data_source"`
	MetricName           string        `json:"metric_name" yaml:"metric_name" db:"metric_name"`
	ThresholdType        ThresholdType `json:"threshold_type" yaml:"threshold_type" db:"threshold_type"`
	ThresholdValue       float64       `json:"threshold_value" yaml:"threshold_value" db:"threshold_value"`
	ComparisonPeriodDays int           `json:"comparison_period_days" yaml:"comparison_period_days" db:"comparison_period_days"`
	DedupWindow          time.Duration `json:"dedup_window" yaml:"dedup_window" db:"-"`
	Enabled              bool          `json:"enabled" yaml:"enabled" db:"enabled"`
	Channels             []Channel     `json:"channels" yaml:"channels"`
}

// alertConfigYAML is AlertConfig's rule-file form: dedup_window as a
// duration string.
type alertConfigYAML struct {
	ID                   string        `yaml:"id"`
	UserID               string        `yaml:"user_id"`
	DataSource           DataSource    `yaml:"data_source"`
	MetricName           string        `yaml:"metric_name"`
	ThresholdType        ThresholdType `yaml:"threshold_type"`
	ThresholdValue       float64       `yaml:"threshold_value"`
	ComparisonPeriodDays int           `yaml:"comparison_period_days"`
	DedupWindow          string        `yaml:"dedup_window"`
	Enabled              bool          `yaml:"enabled"`
	Channels             []Channel     `yaml:"channels"`
}

// UnmarshalYAML accepts a duration string for dedup_window; absent keys
// keep the values already on the receiver.
func (c *AlertConfig) UnmarshalYAML(value *yaml.Node) error {
	aux := alertConfigYAML{
		ID:                   c.ID,
		UserID:               c.UserID,
		DataSource:           c.DataSource,
		MetricName:           c.MetricName,
		ThresholdType:        c.ThresholdType,
		ThresholdValue:       c.ThresholdValue,
		ComparisonPeriodDays: c.ComparisonPeriodDays,
		Enabled:              c.Enabled,
		Channels:             c.Channels,
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	c.ID = aux.ID
	c.UserID = aux.UserID
	c.DataSource = aux.DataSource
	c.MetricName = aux.MetricName
	c.ThresholdType = aux.ThresholdType
	c.ThresholdValue = aux.ThresholdValue
	c.ComparisonPeriodDays = aux.ComparisonPeriodDays
	c.Enabled = aux.Enabled
	c.Channels = aux.Channels
	return SetDuration(&c.DedupWindow, aux.DedupWindow)
}

// Validate enforces the config invariants shared by every storage backend.
func (c *AlertConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("alert config missing id")
	}
	if _, err := ParseDataSource(string(c.DataSource)); err != nil {
		return fmt.Errorf("alert config %s: %w", c.ID, err)
	}
	if c.MetricName == "" {
		return fmt.Errorf("alert config %s: missing metric name", c.ID)
	}
	switch c.ThresholdType {
	case ThresholdAbsolute:
	case ThresholdPercentageChange:
		if c.ComparisonPeriodDays < 1 {
			return fmt.Errorf("alert config %s: comparison_period_days must be >= 1 for percentage_change", c.ID)
		}
	default:
		return fmt.Errorf("alert config %s: unknown threshold type %q", c.ID, c.ThresholdType)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("alert config %s: at least one channel required", c.ID)
	}
	for _, ch := range c.Channels {
		switch ch {
		case ChannelEmail, ChannelSlack, ChannelTelegram, ChannelSMS, ChannelWebhook, ChannelDashboard:
		default:
			return fmt.Errorf("alert config %s: unknown channel %q", c.ID, ch)
		}
	}
	return nil
}

// Window returns the config's dedup window, falling back to the default.
func (c *AlertConfig) Window() time.Duration {
	if c.DedupWindow > 0 {
		return c.DedupWindow
	}
	return DefaultDedupWindow
}

// Key returns the metric partition key this config watches.
func (c *AlertConfig) Key() string {
	return MetricKey(c.DataSource, c.MetricName)
}

// DeliveryAttempt records one channel dispatch outcome on an AlertInstance.
type DeliveryAttempt struct {
	Channel  Channel   `json:"channel"`
	At       time.Time `json:"at"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	Attempts int       `json:"attempts"`
}

// AlertInstance is one firing of a config. Within a dedup window only the
// first instance dispatches; later firings carry DuplicateOf pointing at it.
type AlertInstance struct {
	ID               string            `json:"id" db:"id"`
	ConfigID         string            `json:"config_id" db:"config_id"`
	TriggeredAt      time.Time         `json:"triggered_at" db:"triggered_at"`
	ObservedValue    float64           `json:"observed_value" db:"observed_value"`
	ComparisonValue  float64           `json:"comparison_value" db:"comparison_value"`
	Severity         Severity          `json:"severity" db:"severity"`
	Message          string            `json:"message" db:"message"`
	DuplicateOf      string            `json:"duplicate_of,omitempty" db:"duplicate_of"`
	DeliveryAttempts []DeliveryAttempt `json:"delivery_attempts,omitempty"`
}

// DedupKey buckets a firing into its config's dedup window.
func DedupKey(configID string, triggeredAt time.Time, window time.Duration) string {
	return fmt.Sprintf("%s#%d", configID, triggeredAt.UTC().Truncate(window).Unix())
}
