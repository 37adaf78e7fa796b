package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvProviderKeyMapping(t *testing.T) {
	env := map[string]string{
		"BOOMBUST_FRED_API_KEY": "k-123",
		"EDGAR_USER_AGENT":      "research me@example.com",
	}
	lookup := func(key string) string { return env[key] }

	p := NewEnvProvider("boombust").WithGetenv(lookup)
	value, err := p.Get(context.Background(), "fred.api-key")
	require.NoError(t, err)
	assert.Equal(t, "k-123", value)

	unprefixed := NewEnvProvider("").WithGetenv(lookup)
	value, err = unprefixed.Get(context.Background(), "edgar.user_agent")
	require.NoError(t, err)
	assert.Equal(t, "research me@example.com", value)

	_, err = p.Get(context.Background(), "missing")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.Name)
}

type countingProvider struct {
	values map[string]string
	calls  int
}

func (p *countingProvider) Get(_ context.Context, name string) (string, error) {
	p.calls++
	if v, ok := p.values[name]; ok {
		return v, nil
	}
	return "", &NotFoundError{Name: name, Provider: "counting"}
}

func TestCachedReadThrough(t *testing.T) {
	backend := &countingProvider{values: map[string]string{"fred.api_key": "k-123"}}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	cached := NewCached(backend).WithClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		v, err := cached.Get(context.Background(), "fred.api_key")
		require.NoError(t, err)
		assert.Equal(t, "k-123", v)
	}
	assert.Equal(t, 1, backend.calls, "repeat reads inside the TTL hit the cache")

	// Rotation becomes visible once the TTL lapses.
	backend.values["fred.api_key"] = "k-456"
	now = now.Add(DefaultCacheTTL + time.Second)

	v, err := cached.Get(context.Background(), "fred.api_key")
	require.NoError(t, err)
	assert.Equal(t, "k-456", v)
	assert.Equal(t, 2, backend.calls)
}

func TestCachedDoesNotCacheMisses(t *testing.T) {
	backend := &countingProvider{values: map[string]string{}}
	cached := NewCached(backend)

	for i := 0; i < 3; i++ {
		_, err := cached.Get(context.Background(), "late.secret")
		require.Error(t, err)
	}
	assert.Equal(t, 3, backend.calls)

	// Provisioned after startup: next read succeeds without any restart.
	backend.values["late.secret"] = "v"
	v, err := cached.Get(context.Background(), "late.secret")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	var notFound *NotFoundError
	_, err = cached.Get(context.Background(), "still.missing")
	assert.True(t, errors.As(err, &notFound))
}

func TestRedact(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "postgres dsn",
			in:   "connecting to postgres://scraper:hunter2@db:5432/boombust",
			want: "connecting to [REDACTED]db:5432/boombust",
		},
		{
			name: "bearer token",
			in:   "Authorization: Bearer abc.def.ghi failed",
			want: "Authorization: [REDACTED] failed",
		},
		{
			name: "query param key",
			in:   "GET /fred/series?api_key=k-123&file_type=json",
			want: "GET /fred/series?[REDACTED]&file_type=json",
		},
		{
			name: "clean string untouched",
			in:   "fetched 12 rows from sifma",
			want: "fetched 12 rows from sifma",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Redact(tc.in))
		})
	}
}
