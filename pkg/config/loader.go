// Package config provides configuration loading and management for halotrain.
// It supports loading from YAML files, environment variables, and command-line
// arguments, with hot-reload capabilities using Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ============================================================================
// Configuration Loader
// ============================================================================

// Loader manages configuration loading and reloading
type Loader struct {
	// Viper instance
	viper *viper.Viper

	// Current configuration
	config *Config
	mu     sync.RWMutex

	// Configuration file path
	configFile string

	// Watch for changes
	watchEnabled bool

	// Reload callbacks
	reloadCallbacks []ReloadCallback

	// Logger (optional, can be set after initialization)
	logger Logger
}

// ReloadCallback is called when configuration is reloaded
type ReloadCallback func(oldConfig, newConfig *Config) error

// Logger interface for configuration loader logging
type Logger interface {
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// LoaderOptions defines options for configuration loader
type LoaderOptions struct {
	// Configuration file path
	ConfigFile string

	// Configuration file type (yaml, json, toml)
	ConfigType string

	// Enable watching for file changes
	EnableWatch bool

	// Environment variable prefix
	EnvPrefix string

	// Additional config paths to search
	ConfigPaths []string

	// Key overrides applied after the file is read (CLI flags)
	Overrides map[string]interface{}
}

// ============================================================================
// Loader Creation and Initialization
// ============================================================================

// NewLoader creates a new configuration loader
func NewLoader(opts LoaderOptions) (*Loader, error) {
	v := viper.New()

	// Set configuration file
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		// Set default configuration name and type
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		// Add default config paths
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/halotrain")

		// Add additional config paths
		for _, path := range opts.ConfigPaths {
			v.AddConfigPath(path)
		}
	}

	// Configure environment variables
	envPrefix := opts.EnvPrefix
	if envPrefix == "" {
		envPrefix = "HALOTRAIN"
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Apply explicit overrides last so they win over file and env
	for key, value := range opts.Overrides {
		v.Set(key, value)
	}

	loader := &Loader{
		viper:        v,
		configFile:   opts.ConfigFile,
		watchEnabled: opts.EnableWatch,
	}

	return loader, nil
}

// Load loads configuration from all sources
func (l *Loader) Load() (*Config, error) {
	// Read configuration file
	if err := l.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, use defaults
			l.logWarn("Configuration file not found, using defaults", "error", err)
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal configuration
	config := &Config{}
	if err := l.viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults
	l.applyDefaults(config)

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Store configuration
	l.mu.Lock()
	l.config = config
	l.mu.Unlock()

	l.logInfo("Configuration loaded successfully", "file", l.viper.ConfigFileUsed())

	// Start watching if enabled
	if l.watchEnabled {
		l.startWatch()
	}

	return config, nil
}

// Get returns the current configuration
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// ============================================================================
// Configuration Defaults
// ============================================================================

// applyDefaults applies default values to configuration
func (l *Loader) applyDefaults(config *Config) {
	// Run defaults
	if config.Run.Seed == 0 {
		config.Run.Seed = 42
	}
	if config.Run.Mode == "" {
		config.Run.Mode = "train"
	}
	if config.Run.CacheDir == "" {
		config.Run.CacheDir = "./cache"
	}
	if config.Run.OutputDir == "" {
		config.Run.OutputDir = "./runs"
	}
	if config.Run.EvalEvery == 0 {
		config.Run.EvalEvery = 20000
	}
	if config.Run.Optimizer == "" {
		config.Run.Optimizer = "adamw"
	}
	if config.Run.LR == 0 {
		config.Run.LR = 5e-7
	}
	if config.Run.WarmupSteps == 0 {
		config.Run.WarmupSteps = 150
	}
	if config.Run.NEpochs == 0 && config.Run.NExamples == 0 {
		config.Run.NEpochs = 1
	}
	if config.Run.TopP == 0 {
		config.Run.TopP = 0.95
	}
	if config.Run.NSamples == 0 {
		config.Run.NSamples = 1
	}
	if config.Run.HumanPrefix == "" {
		config.Run.HumanPrefix = "\n<|user|>\n"
	}
	if config.Run.AssistantPrefix == "" {
		config.Run.AssistantPrefix = "\n<|assistant|>\n"
	}
	if config.Run.MinimumLogInterval == 0 {
		config.Run.MinimumLogInterval = time.Second
	}
	if config.Run.MaxNonFiniteSteps == 0 {
		config.Run.MaxNonFiniteSteps = 10
	}
	if config.Run.MaxDataErrors == 0 {
		config.Run.MaxDataErrors = 10
	}

	// Data defaults
	if config.Data.FracUniqueDesirable == 0 {
		config.Data.FracUniqueDesirable = 1.0
	}
	if config.Data.FracUniqueUndesirable == 0 {
		config.Data.FracUniqueUndesirable = 1.0
	}

	// Model defaults
	if config.Model.PolicyDType == "" {
		config.Model.PolicyDType = "float32"
	}
	if config.Model.ReferenceDType == "" {
		config.Model.ReferenceDType = "float32"
	}
	if config.Model.MaxGradNorm == 0 {
		config.Model.MaxGradNorm = 10.0
	}
	if config.Model.MaxLength == 0 {
		config.Model.MaxLength = 2048
	}
	if config.Model.MaxPromptLength == 0 {
		config.Model.MaxPromptLength = 1024
	}
	if config.Model.BatchSize == 0 {
		config.Model.BatchSize = 32
	}
	if config.Model.EvalBatchSize == 0 {
		config.Model.EvalBatchSize = config.Model.BatchSize
	}
	if config.Model.GradientAccumulationSteps == 0 {
		config.Model.GradientAccumulationSteps = 1
	}
	if config.Model.VocabSize == 0 {
		config.Model.VocabSize = 32768
	}

	// Loss defaults
	if config.Loss.Name == "" {
		config.Loss.Name = "sft"
	}
	if config.Loss.DataLoader == "" {
		switch config.Loss.Name {
		case "dpo", "slic":
			config.Loss.DataLoader = "paired"
		case "sft":
			config.Loss.DataLoader = "sft"
		default:
			config.Loss.DataLoader = "unpaired"
		}
	}
	if config.Loss.Beta == 0 {
		config.Loss.Beta = 0.1
	}
	if config.Loss.Margin == 0 {
		config.Loss.Margin = 1.0
	}
	if config.Loss.DesirableWeight == 0 {
		config.Loss.DesirableWeight = 1.0
	}
	if config.Loss.UndesirableWeight == 0 {
		config.Loss.UndesirableWeight = 1.0
	}

	// Distributed defaults
	if config.Distributed.WorldSize == 0 {
		config.Distributed.WorldSize = 1
	}

	// Tracking defaults
	if config.Tracking.Kind == "" {
		config.Tracking.Kind = "log"
	}
	if config.Tracking.Kafka.ClientID == "" {
		config.Tracking.Kafka.ClientID = "halotrain"
	}
	if config.Tracking.Kafka.Topic == "" {
		config.Tracking.Kafka.Topic = "training.metrics"
	}

	// Observability defaults
	if config.Observability.Logging.Level == "" {
		config.Observability.Logging.Level = "info"
	}
	if config.Observability.Logging.Format == "" {
		config.Observability.Logging.Format = "json"
	}
	if config.Observability.Logging.Output == "" {
		config.Observability.Logging.Output = "stdout"
	}
	if config.Observability.Logging.MaxSize == 0 {
		config.Observability.Logging.MaxSize = 100
	}
	if config.Observability.Logging.MaxBackups == 0 {
		config.Observability.Logging.MaxBackups = 3
	}
	if config.Observability.Logging.MaxAge == 0 {
		config.Observability.Logging.MaxAge = 28
	}
	if config.Observability.Metrics.Namespace == "" {
		config.Observability.Metrics.Namespace = "halotrain"
	}
	if config.Observability.Tracing.ServiceName == "" {
		config.Observability.Tracing.ServiceName = "halotrain"
	}
	if config.Observability.Tracing.ExporterType == "" {
		config.Observability.Tracing.ExporterType = "otlp"
	}
	if config.Observability.Tracing.SamplingRate == 0 {
		config.Observability.Tracing.SamplingRate = 0.1
	}

	// Cache defaults
	if config.Cache.Redis.Port == 0 {
		config.Cache.Redis.Port = 6379
	}
	if config.Cache.Redis.TTL == 0 {
		config.Cache.Redis.TTL = 24 * time.Hour
	}

	// Server defaults
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}
}

// ============================================================================
// Hot Reload Support
// ============================================================================

// startWatch starts watching the configuration file for changes
func (l *Loader) startWatch() {
	l.viper.WatchConfig()
	l.viper.OnConfigChange(func(e fsnotify.Event) {
		l.logInfo("Configuration file changed, reloading", "file", e.Name)

		if err := l.reload(); err != nil {
			l.logError("Failed to reload configuration", "error", err)
		}
	})
}

// reload reloads the configuration
func (l *Loader) reload() error {
	// Load old config
	l.mu.RLock()
	oldConfig := l.config
	l.mu.RUnlock()

	// Unmarshal new configuration
	newConfig := &Config{}
	if err := l.viper.Unmarshal(newConfig); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults
	l.applyDefaults(newConfig)

	// Validate new configuration
	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("new configuration validation failed: %w", err)
	}

	// Execute reload callbacks
	for _, callback := range l.reloadCallbacks {
		if err := callback(oldConfig, newConfig); err != nil {
			return fmt.Errorf("reload callback failed: %w", err)
		}
	}

	// Update configuration
	l.mu.Lock()
	l.config = newConfig
	l.mu.Unlock()

	l.logInfo("Configuration reloaded successfully")

	return nil
}

// OnReload registers a callback to be called when configuration is reloaded.
// Mid-run reloads only affect observability settings; the trainer snapshots
// its own configuration at startup.
func (l *Loader) OnReload(callback ReloadCallback) {
	l.reloadCallbacks = append(l.reloadCallbacks, callback)
}

// ============================================================================
// Convenience Loading
// ============================================================================

// LoadFromFile loads configuration from a specific file
func LoadFromFile(configFile string, overrides map[string]interface{}) (*Config, error) {
	opts := LoaderOptions{
		ConfigFile:  configFile,
		ConfigType:  "yaml",
		EnableWatch: false,
		EnvPrefix:   "HALOTRAIN",
		Overrides:   overrides,
	}

	loader, err := NewLoader(opts)
	if err != nil {
		return nil, err
	}

	return loader.Load()
}

// LoadWithDefaults loads configuration with default options
func LoadWithDefaults() (*Config, error) {
	opts := LoaderOptions{
		ConfigType:  "yaml",
		EnableWatch: false,
		EnvPrefix:   "HALOTRAIN",
		ConfigPaths: []string{".", "./config", "/etc/halotrain"},
	}

	loader, err := NewLoader(opts)
	if err != nil {
		return nil, err
	}

	return loader.Load()
}

// ============================================================================
// Configuration Export
// ============================================================================

// SaveToFile saves current configuration to file. The trainer writes this
// snapshot into the run directory so finished runs are reproducible.
func (l *Loader) SaveToFile(path string) error {
	return l.viper.WriteConfigAs(path)
}

// ============================================================================
// Logger Methods
// ============================================================================

// SetLogger sets the logger for configuration loader
func (l *Loader) SetLogger(logger Logger) {
	l.logger = logger
}

func (l *Loader) logInfo(msg string, fields ...interface{}) {
	if l.logger != nil {
		l.logger.Info(msg, fields...)
	}
}

func (l *Loader) logWarn(msg string, fields ...interface{}) {
	if l.logger != nil {
		l.logger.Warn(msg, fields...)
	}
}

func (l *Loader) logError(msg string, fields ...interface{}) {
	if l.logger != nil {
		l.logger.Error(msg, fields...)
	}
}

// ============================================================================
// Utility Functions
// ============================================================================

// GetConfigPath returns the path to configuration file
func GetConfigPath(filename string) (string, error) {
	// Check current directory
	if _, err := os.Stat(filename); err == nil {
		return filepath.Abs(filename)
	}

	// Check ./config directory
	configPath := filepath.Join("config", filename)
	if _, err := os.Stat(configPath); err == nil {
		return filepath.Abs(configPath)
	}

	// Check /etc/halotrain directory
	etcPath := filepath.Join("/etc/halotrain", filename)
	if _, err := os.Stat(etcPath); err == nil {
		return etcPath, nil
	}

	return "", fmt.Errorf("configuration file not found: %s", filename)
}

// MustLoad loads configuration and panics on error
func MustLoad() *Config {
	config, err := LoadWithDefaults()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return config
}

//Personal.AI order the ending
