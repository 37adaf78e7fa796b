package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/boombust/internal/config"
	"github.com/sawpanic/boombust/internal/domain"
)

// runValidateConfig loads and validates the configuration plus the alert
// rule file, then prints the redacted effective configuration.
func runValidateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	rules := 0
	if cfg.Alerts.ConfigFile != "" && fileExists(cfg.Alerts.ConfigFile) {
		configs, err := config.LoadAlertConfigs(cfg.Alerts.ConfigFile)
		if err != nil {
			return err
		}
		rules = len(configs)
	}

	rendered, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return domain.InternalErr("cli", "failed to render effective config", err)
	}

	fmt.Printf("configuration OK (%d alert rules)\n---\n%s", rules, rendered)
	return nil
}
