package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() AlertConfig {
	return AlertConfig{
		ID:             "cfg-1",
		UserID:         "user-1",
		DataSource:     SourceBDCDiscount,
		MetricName:     "avg_discount",
		ThresholdType:  ThresholdAbsolute,
		ThresholdValue: 0.10,
		Enabled:        true,
		Channels:       []Channel{ChannelSlack, ChannelEmail},
	}
}

func TestAlertConfigValidate(t *testing.T) {
	t.Run("valid absolute config", func(t *testing.T) {
		cfg := validConfig()
		require.NoError(t, cfg.Validate())
	})

	t.Run("percentage_change requires comparison period", func(t *testing.T) {
		cfg := validConfig()
		cfg.ThresholdType = ThresholdPercentageChange
		cfg.ComparisonPeriodDays = 0
		assert.Error(t, cfg.Validate())

		cfg.ComparisonPeriodDays = 7
		assert.NoError(t, cfg.Validate())
	})

	t.Run("unknown channel rejected", func(t *testing.T) {
		cfg := validConfig()
		cfg.Channels = []Channel{"pager"}
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown source rejected", func(t *testing.T) {
		cfg := validConfig()
		cfg.DataSource = "stock_price"
		assert.Error(t, cfg.Validate())
	})

	t.Run("no channels rejected", func(t *testing.T) {
		cfg := validConfig()
		cfg.Channels = nil
		assert.Error(t, cfg.Validate())
	})
}

func TestDedupKeyBucketsWindow(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	first := DedupKey("cfg-1", base, 6*time.Hour)
	tenMinLater := DedupKey("cfg-1", base.Add(10*time.Minute), 6*time.Hour)
	nextWindow := DedupKey("cfg-1", base.Add(6*time.Hour), 6*time.Hour)

	assert.Equal(t, first, tenMinLater, "firings inside one window share a key")
	assert.NotEqual(t, first, nextWindow)
	assert.NotEqual(t, first, DedupKey("cfg-2", base, 6*time.Hour))
}

func TestWindowDefault(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, DefaultDedupWindow, cfg.Window())

	cfg.DedupWindow = time.Hour
	assert.Equal(t, time.Hour, cfg.Window())
}

func TestErrorTaxonomy(t *testing.T) {
	t.Run("retryable classification", func(t *testing.T) {
		assert.True(t, IsRetryable(TransportErr("fetch", "connection reset", nil)))
		assert.False(t, IsRetryable(ParseErr("fetch", "missing field", nil)))
		assert.False(t, IsRetryable(AuthErr("fetch", "401", nil)))
		assert.False(t, IsRetryable(errors.New("opaque")))
	})

	t.Run("wrapped errors keep their kind", func(t *testing.T) {
		inner := TransportErr("fetch", "timeout", nil)
		wrapped := fmt.Errorf("run bond_issuance: %w", inner)
		assert.True(t, IsRetryable(wrapped))
		assert.Equal(t, KindTransport, KindOf(wrapped))
	})

	t.Run("http status mapping", func(t *testing.T) {
		assert.True(t, FromHTTPStatus("fetch", 503, "https://x").Retryable)
		assert.True(t, FromHTTPStatus("fetch", 429, "https://x").Retryable)
		assert.Equal(t, KindAuth, FromHTTPStatus("fetch", 401, "https://x").Kind)
		assert.False(t, FromHTTPStatus("fetch", 404, "https://x").Retryable)
	})

	t.Run("unwrap preserves cause", func(t *testing.T) {
		cause := errors.New("dial tcp: i/o timeout")
		err := TransportErr("fetch", "request failed", cause)
		assert.ErrorIs(t, err, cause)
	})
}
