package main

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"refine-agent/internal/integrations/openai"
	"refine-agent/internal/workflow"
)

const envPrefix = "REFINE"

// runConfig is the resolved configuration of one `refine run` invocation.
// Precedence: flags, then REFINE_* environment, then the config file.
type runConfig struct {
	Model            string        `mapstructure:"model"`
	BaseURL          string        `mapstructure:"base-url"`
	APIKey           string        `mapstructure:"api-key"`
	MaxMessages      int           `mapstructure:"max-messages"`
	GenerationPrompt string        `mapstructure:"generation-prompt"`
	ReflectionPrompt string        `mapstructure:"reflection-prompt"`
	Format           string        `mapstructure:"format"`
	Timeout          time.Duration `mapstructure:"timeout"`

	// Temperature is nil unless configured, leaving the provider default.
	Temperature *float64 `mapstructure:"-"`
}

var formats = []string{"text", "json", "yaml", "mermaid"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model", openai.DefaultModel)
	v.SetDefault("max-messages", workflow.DefaultThreshold)
	v.SetDefault("format", "text")
	v.SetDefault("timeout", 2*time.Minute)
}

// loadConfig merges the command's flags with the environment and an optional
// YAML file.
func loadConfig(cmd *cobra.Command, configPath string) (runConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("api-key", envPrefix+"_API_KEY", envPrefix+"_OPENAI_API_KEY", "OPENAI_API_KEY"); err != nil {
		return runConfig{}, fmt.Errorf("failed to bind api key env: %w", err)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return runConfig{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return runConfig{}, fmt.Errorf("failed to bind flags: %w", err)
	}

	var cfg runConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return runConfig{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if v.IsSet("temperature") {
		t := v.GetFloat64("temperature")
		cfg.Temperature = &t
	}
	cfg.Format = strings.ToLower(strings.TrimSpace(cfg.Format))
	return cfg, cfg.validate()
}

func (c runConfig) validate() error {
	if c.MaxMessages < 0 {
		return fmt.Errorf("max-messages must be >= 0, got %d", c.MaxMessages)
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("model must not be empty")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("api key is required (--api-key or %s_API_KEY)", envPrefix)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if !slices.Contains(formats, c.Format) {
		return fmt.Errorf("unknown format %q (want one of %s)", c.Format, strings.Join(formats, ", "))
	}
	return nil
}
