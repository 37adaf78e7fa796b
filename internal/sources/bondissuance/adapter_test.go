package bondissuance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/boombust/internal/domain"
	"github.com/sawpanic/boombust/internal/infrastructure/httpclient"
	"github.com/sawpanic/boombust/internal/sources"
)

type stubSecrets map[string]string

func (s stubSecrets) Get(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", assert.AnError
	}
	return v, nil
}

func testDeps(t *testing.T) sources.Deps {
	t.Helper()
	cfg := httpclient.Config{
		PerHostConcurrency: 4,
		RequestTimeout:     5 * time.Second,
		PerHostRPS:         10000,
		PerHostBurst:       10000,
		UserAgent:          "boombust-test/1.0",
	}
	return sources.Deps{
		HTTP:    httpclient.NewPool(cfg, zerolog.Nop()),
		Secrets: stubSecrets{"fred.api_key": "fred-key-123"},
		Log:     zerolog.Nop(),
	}
}

func TestFetchWeeklyIssuance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/issuance/weekly/latest", r.URL.Path)
		w.Write([]byte(`{
			"series": "us_corporate_ig",
			"week_ending": "2026-08-21",
			"total_issuance": 31500000000,
			"deal_count": 24,
			"unit": "usd"
		}`))
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = server.URL
	adapter := New(cfg, testDeps(t))

	reading, err := adapter.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.ReadingScalar, reading.Kind)
	assert.Equal(t, 3.15e10, reading.Scalar)
	assert.Equal(t, "2026-08-21", reading.Strings["week_ending"])
	assert.Equal(t, "us_corporate_ig", reading.Strings["series"])
	assert.Equal(t, "24", reading.Strings["deal_count"])
	assert.Equal(t, "primary", reading.Source)
	assert.Equal(t, time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC), reading.ObservedAt)
}

func TestFetchRejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind domain.ErrorKind
	}{
		{"malformed json", `{"week_ending": `, domain.KindParse},
		{"missing week_ending", `{"series":"x","total_issuance":1}`, domain.KindSchema},
		{"garbage date", `{"week_ending":"next friday","total_issuance":1}`, domain.KindParse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			cfg := DefaultConfig()
			cfg.BaseURL = server.URL
			adapter := New(cfg, testDeps(t))

			_, err := adapter.Fetch(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.KindOf(err))
		})
	}
}

func TestSecondarySourcesFromFRED(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "CORPBONDISSUANCE", r.URL.Query().Get("series_id"))
		assert.Equal(t, "fred-key-123", r.URL.Query().Get("api_key"))
		w.Write([]byte(`{"observations":[{"date":"2026-08-21","value":"31400.5"}]}`))
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.FredURL = server.URL
	adapter := New(cfg, testDeps(t))

	secondaries := adapter.SecondarySources(context.Background())
	require.Len(t, secondaries, 1)
	assert.Equal(t, "fred", secondaries[0].Source)
	assert.InDelta(t, 31400.5e6, secondaries[0].Value, 1)
}

func TestSecondarySourcesSwallowFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.FredURL = server.URL
	adapter := New(cfg, testDeps(t))

	assert.Nil(t, adapter.SecondarySources(context.Background()))
}

func TestFallbackServesFRED(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"observations":[{"date":"2026-08-14","value":"28900"}]}`))
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.FredURL = server.URL
	adapter := New(cfg, testDeps(t))

	reading, ok, err := adapter.Fallback(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fred_fallback", reading.Source)
	assert.InDelta(t, 2.89e10, reading.Scalar, 1)
	assert.Equal(t, "2026-08-14", reading.Strings["week_ending"])
}

func TestFallbackMissingObservation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"observations":[{"date":"2026-08-14","value":"."}]}`))
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.FredURL = server.URL
	adapter := New(cfg, testDeps(t))

	_, ok, err := adapter.Fallback(context.Background())
	assert.True(t, ok)
	require.Error(t, err)
	assert.Equal(t, domain.KindSchema, domain.KindOf(err))
}

func TestIdentityAndSchema(t *testing.T) {
	adapter := New(DefaultConfig(), testDeps(t))

	source, metric, unit := adapter.Identity()
	assert.Equal(t, domain.SourceBondIssuance, source)
	assert.Equal(t, "weekly_total", metric)
	assert.Equal(t, domain.UnitCurrency, unit)

	schema := adapter.Schema()
	assert.Equal(t, domain.ReadingScalar, schema.Kind)
	assert.Contains(t, schema.RequiredStrings, "week_ending")
}
