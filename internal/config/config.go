// Package config loads pageturner configuration from defaults, a YAML file
// and PAGETURNER_* environment variables, and reloads it when the file
// changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes environment overrides, e.g. PAGETURNER_BROWSER_CONTROL_URL.
const EnvPrefix = "PAGETURNER"

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	v *viper.Viper

	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string) error {
	setDefaults(cm.v, DefaultConfig())

	cm.v.SetEnvPrefix(EnvPrefix)
	cm.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cm.v.AutomaticEnv()

	if cfgFile != "" {
		cm.v.SetConfigFile(cfgFile)
	} else {
		cm.v.SetConfigName("config")
		cm.v.SetConfigType("yaml")
		cm.v.AddConfigPath(".")
		cm.v.AddConfigPath("$HOME/.pageturner")
	}

	// Try to read config file (not required)
	if err := cm.v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// setDefaults registers every leaf key so environment variables can
// override nested values.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("browser.control_url", d.Browser.ControlURL)
	v.SetDefault("browser.launch", d.Browser.Launch)
	v.SetDefault("browser.bin", d.Browser.Bin)
	v.SetDefault("browser.headless", d.Browser.Headless)

	v.SetDefault("capture.resize_settle", d.Capture.ResizeSettle)
	v.SetDefault("capture.loop_delay", d.Capture.LoopDelay)
	v.SetDefault("capture.stop_grace", d.Capture.StopGrace)
	v.SetDefault("capture.stale_after", d.Capture.StaleAfter)
	v.SetDefault("capture.duplicate_wait", d.Capture.DuplicateWait)
	v.SetDefault("capture.max_duplicate_retries", d.Capture.MaxDuplicateRetries)
	v.SetDefault("capture.capture_quality", d.Capture.CaptureQuality)
	v.SetDefault("capture.start_settle", d.Capture.StartSettle)
	v.SetDefault("capture.reinstall_delay", d.Capture.ReinstallDelay)
	v.SetDefault("capture.stability.initial_delay", d.Capture.Stability.InitialDelay)
	v.SetDefault("capture.stability.interval", d.Capture.Stability.Interval)
	v.SetDefault("capture.stability.threshold", d.Capture.Stability.Threshold)
	v.SetDefault("capture.stability.max_attempts", d.Capture.Stability.MaxAttempts)
	v.SetDefault("capture.stability.quality", d.Capture.Stability.Quality)

	v.SetDefault("transcription.default_model", d.Transcription.DefaultModel)
	v.SetDefault("transcription.prompt", d.Transcription.Prompt)
	v.SetDefault("transcription.min_interval", d.Transcription.MinInterval)
	v.SetDefault("transcription.timeout", d.Transcription.Timeout)
	v.SetDefault("transcription.max_retries", d.Transcription.MaxRetries)
	v.SetDefault("transcription.gemini_base_url", d.Transcription.GeminiBaseURL)
	v.SetDefault("transcription.openai_base_url", d.Transcription.OpenAIBaseURL)

	v.SetDefault("pricing.currency", d.Pricing.Currency)
	v.SetDefault("pricing.exchange_rate", d.Pricing.ExchangeRate)

	v.SetDefault("defaults.direction", d.Defaults.Direction)
	v.SetDefault("defaults.output_format", d.Defaults.OutputFormat)
	v.SetDefault("defaults.mode", d.Defaults.Mode)
	v.SetDefault("defaults.style", d.Defaults.Style)
	v.SetDefault("defaults.preset", d.Defaults.Preset)
	v.SetDefault("defaults.cost_limit", d.Defaults.CostLimit)

	for provider, key := range d.APIKeys {
		v.SetDefault("api_keys."+provider, key)
	}
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// ConfigFile returns the path of the file that was read, or "" when running
// on defaults.
func (cm *Manager) ConfigFile() string {
	return cm.v.ConfigFileUsed()
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envVarPattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# pageturner configuration
# API keys use ${ENV_VAR} syntax to reference environment variables
# Set these in your shell: export GEMINI_API_KEY=xxx OPENAI_API_KEY=xxx
# Any key can be overridden with PAGETURNER_<SECTION>_<KEY>, e.g. PAGETURNER_BROWSER_CONTROL_URL

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
