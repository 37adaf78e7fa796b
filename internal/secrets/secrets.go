// Package secrets resolves API credentials for source adapters. The env
// provider covers development and container deployments; everything goes
// through the read-through cache so adapters can resolve on every fetch
// without hammering the backing store.
package secrets

import (
	"context"
	"fmt"
	"strings"
)

// Provider resolves a named secret to its value.
type Provider interface {
	Get(ctx context.Context, name string) (string, error)
}

// NotFoundError reports a missing secret without leaking its value space.
type NotFoundError struct {
	Name     string
	Provider string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("secret %q not found in provider %q", e.Name, e.Provider)
}

// EnvProvider reads secrets from environment variables. A name like
// "fred.api_key" resolves to BOOMBUST_FRED_API_KEY when the prefix is
// "boombust".
type EnvProvider struct {
	prefix string
	getenv func(string) string
}

// NewEnvProvider builds an env-backed provider with an optional prefix.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix, getenv: nil}
}

// WithGetenv overrides the environment lookup. Test use.
func (p *EnvProvider) WithGetenv(fn func(string) string) *EnvProvider {
	p.getenv = fn
	return p
}

func (p *EnvProvider) Get(_ context.Context, name string) (string, error) {
	lookup := p.getenv
	if lookup == nil {
		lookup = osGetenv
	}
	value := lookup(p.envKey(name))
	if value == "" {
		return "", &NotFoundError{Name: name, Provider: "environment"}
	}
	return value, nil
}

func (p *EnvProvider) envKey(name string) string {
	key := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(name))
	if p.prefix == "" {
		return key
	}
	return strings.ToUpper(p.prefix) + "_" + key
}
