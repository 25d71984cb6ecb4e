// Package aggregator implements the outer lspgate process: the Backend
// Manager, Router, Workspace coordinator and Supervisor loop that sit in
// front of the per-language workers and expose one unified MCP tool
// surface over stdio.
package aggregator

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quillsys/lspgate/errors"
	"github.com/quillsys/lspgate/workers"
)

// Config is the aggregator's full environment-derived configuration, the
// typed counterpart of the teacher's am.Config populated the same way
// (viper.Unmarshal into mapstructure-tagged fields), restricted to
// environment variables only — this repository has no config file, per
// its explicit non-goal.
type Config struct {
	Python         PythonConfig `mapstructure:"python"`
	TypeScript     LangConfig   `mapstructure:"typescript"`
	Vue            LangConfig   `mapstructure:"vue"`
	AutoUpdate     bool         `mapstructure:"auto_update"`
	EagerStart     bool         `mapstructure:"eager_start"`
	IdleTimeout    time.Duration
	IdleTimeoutRaw int `mapstructure:"idle_timeout"`
}

// LangConfig is the subset of configuration common to every language.
type LangConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// PythonConfig adds the provider switch unique to the Python backend.
type PythonConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Provider string `mapstructure:"provider"`
}

var globalConfig *Config
var viperInstance *viper.Viper

// Load reads the aggregator's configuration from the environment, caching
// the result the way the teacher's am.Load caches globalConfig.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal lspgate config")
	}
	cfg.IdleTimeout = time.Duration(cfg.IdleTimeoutRaw) * time.Second

	if err := validateProvider(cfg.Python.Provider); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return globalConfig, nil
}

// Reset clears the cached configuration. Used by tests so each one starts
// from a fresh environment.
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

func validateProvider(provider string) error {
	switch workers.PythonProvider(provider) {
	case workers.ProviderPythonLSP, workers.ProviderPyright:
		return nil
	default:
		return errors.NewInvalidInput(
			"unknown LSP_MCP_PYTHON_PROVIDER: "+provider,
			"use python-lsp-mcp or pyright-mcp")
	}
}

// initViper builds a Viper instance bound to the LSP_MCP_* environment
// variables spec.md §6 names, with every default it documents — no
// ReadInConfig, no config file search, per the non-goal.
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetEnvPrefix("LSP_MCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnv(v, "python.enabled", "PYTHON_ENABLED")
	bindEnv(v, "python.provider", "PYTHON_PROVIDER")
	bindEnv(v, "typescript.enabled", "TYPESCRIPT_ENABLED")
	bindEnv(v, "vue.enabled", "VUE_ENABLED")
	bindEnv(v, "auto_update", "AUTO_UPDATE")
	bindEnv(v, "eager_start", "EAGER_START")
	bindEnv(v, "idle_timeout", "IDLE_TIMEOUT")

	v.SetDefault("python.enabled", true)
	v.SetDefault("python.provider", string(workers.ProviderPythonLSP))
	v.SetDefault("typescript.enabled", true)
	v.SetDefault("vue.enabled", true)
	v.SetDefault("auto_update", false)
	v.SetDefault("eager_start", false)
	v.SetDefault("idle_timeout", 300)

	viperInstance = v
	return v
}

func bindEnv(v *viper.Viper, key, envSuffix string) {
	_ = v.BindEnv(key, "LSP_MCP_"+envSuffix)
}

// Enabled reports whether a given language's backend is turned on.
func (c *Config) Enabled(tag workers.LanguageTag) bool {
	switch tag {
	case workers.Python:
		return c.Python.Enabled
	case workers.TypeScript:
		return c.TypeScript.Enabled
	case workers.Vue:
		return c.Vue.Enabled
	default:
		return false
	}
}
