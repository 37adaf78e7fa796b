package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/boombust/internal/domain"
	"github.com/sawpanic/boombust/internal/persistence"
)

// reloadDebounce coalesces the burst of fs events editors emit per save.
const reloadDebounce = 250 * time.Millisecond

// alertsFile is the on-disk shape of the dev rule source.
type alertsFile struct {
	Alerts []*domain.AlertConfig `yaml:"alerts"`
}

// LoadAlertConfigs parses and validates the YAML rule file.
func LoadAlertConfigs(path string) ([]*domain.AlertConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.ConfigErr("alerts_file", fmt.Sprintf("failed to read %s", path), err)
	}

	var doc alertsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, domain.ConfigErr("alerts_file", fmt.Sprintf("failed to parse %s", path), err)
	}
	for _, cfg := range doc.Alerts {
		if err := cfg.Validate(); err != nil {
			return nil, domain.ConfigErr("alerts_file", "invalid alert rule", err)
		}
	}
	return doc.Alerts, nil
}

// SyncAlertConfigs loads the rule file and upserts every rule into the
// config store. The whole file is rejected if any rule is invalid, so a
// bad edit never half-applies.
func SyncAlertConfigs(ctx context.Context, path string, store persistence.AlertConfigStore, log zerolog.Logger) error {
	configs, err := LoadAlertConfigs(path)
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		if err := store.Upsert(ctx, cfg); err != nil {
			return domain.ConfigErr("alerts_file", fmt.Sprintf("failed to upsert rule %s", cfg.ID), err)
		}
	}
	log.Info().Int("rules", len(configs)).Str("path", path).Msg("Alert rules synced")
	return nil
}

// WatchAlertConfigs re-syncs the rule file whenever it changes, until the
// context ends. The parent directory is watched because most editors
// replace files on save rather than writing in place.
func WatchAlertConfigs(ctx context.Context, path string, store persistence.AlertConfigStore, log zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return domain.ConfigErr("alerts_file", "failed to create file watcher", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return domain.ConfigErr("alerts_file", fmt.Sprintf("failed to watch %s", filepath.Dir(path)), err)
	}

	target, err := filepath.Abs(path)
	if err != nil {
		target = path
	}
	log = log.With().Str("component", "alerts_watcher").Str("path", path).Logger()
	log.Info().Msg("Watching alert rules for changes")

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || abs != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("File watcher error")

		case <-pending:
			pending = nil
			if err := SyncAlertConfigs(ctx, path, store, log); err != nil {
				// Keep the last good rules; the edit can be fixed in place.
				log.Error().Err(err).Msg("Alert rule reload failed")
			}
		}
	}
}
