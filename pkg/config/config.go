// Package config provides centralized configuration management for halotrain.
// It defines the flat/nested run configuration consumed at startup and
// supports validation, default values, and environment-based loading.
package config

import (
	"path/filepath"
	"time"

	"github.com/halotrain/halotrain/pkg/errors"
	"github.com/halotrain/halotrain/pkg/types"
	"github.com/halotrain/halotrain/pkg/validator"
)

// ============================================================================
// Main Configuration Structure
// ============================================================================

// Config represents the complete run configuration
type Config struct {
	// Run identity and loop cadence
	Run RunConfig `mapstructure:"run" yaml:"run" json:"run"`

	// Dataset selection and batch composition
	Data DataConfig `mapstructure:"data" yaml:"data" json:"data"`

	// Nested model block
	Model ModelConfig `mapstructure:"model" yaml:"model" json:"model"`

	// Nested loss block
	Loss LossConfig `mapstructure:"loss" yaml:"loss" json:"loss"`

	// Worker group configuration
	Distributed DistributedConfig `mapstructure:"distributed" yaml:"distributed" json:"distributed"`

	// Experiment tracking sink
	Tracking TrackingConfig `mapstructure:"tracking" yaml:"tracking" json:"tracking"`

	// Observability configuration
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability" json:"observability"`

	// Checkpoint mirror (object storage)
	Storage StorageConfig `mapstructure:"storage" yaml:"storage" json:"storage"`

	// Tokenized example cache
	Cache CacheConfig `mapstructure:"cache" yaml:"cache" json:"cache"`

	// Coordinator status API
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`
}

// ============================================================================
// Run Configuration
// ============================================================================

// RunConfig defines run identity, budgets, and loop cadence
type RunConfig struct {
	// Random seed; data order and sampling are deterministic given the seed
	Seed int64 `mapstructure:"seed" yaml:"seed" json:"seed"`

	// Experiment name; run directory is <output_dir>/<exp_name>
	ExpName string `mapstructure:"exp_name" yaml:"exp_name" json:"exp_name" validate:"required"`

	// Run mode (train, eval, sample)
	Mode string `mapstructure:"mode" yaml:"mode" json:"mode" validate:"runmode"`

	// Cache directory for datasets and tokenizer artifacts
	CacheDir string `mapstructure:"cache_dir" yaml:"cache_dir" json:"cache_dir"`

	// Output directory root for run artifacts
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir" json:"output_dir"`

	// Evaluate every this many train examples
	EvalEvery int `mapstructure:"eval_every" yaml:"eval_every" json:"eval_every" validate:"gt=0"`

	// Evaluate once at step 0 before any optimizer update
	DoFirstEval bool `mapstructure:"do_first_eval" yaml:"do_first_eval" json:"do_first_eval"`

	// Cap on examples consumed per evaluation pass (0 = full test split)
	NEvalExamples int `mapstructure:"n_eval_examples" yaml:"n_eval_examples" json:"n_eval_examples"`

	// Epoch budget
	NEpochs int `mapstructure:"n_epochs" yaml:"n_epochs" json:"n_epochs"`

	// Example budget; 0 means epoch-bounded only
	NExamples int `mapstructure:"n_examples" yaml:"n_examples" json:"n_examples"`

	// Optimizer name (sgd, adamw)
	Optimizer string `mapstructure:"optimizer" yaml:"optimizer" json:"optimizer" validate:"optimizername"`

	// Learning rate
	LR float64 `mapstructure:"lr" yaml:"lr" json:"lr" validate:"gt=0"`

	// Linear warmup ramp length in optimizer steps
	WarmupSteps int `mapstructure:"warmup_steps" yaml:"warmup_steps" json:"warmup_steps" validate:"gte=0"`

	// Nucleus sampling mass for sample mode
	TopP float64 `mapstructure:"top_p" yaml:"top_p" json:"top_p" validate:"fraction"`

	// Samples to generate per prompt in sample mode
	NSamples int `mapstructure:"n_samples" yaml:"n_samples" json:"n_samples"`

	// Prompt formatting tokens
	HumanPrefix     string `mapstructure:"human_prefix" yaml:"human_prefix" json:"human_prefix"`
	HumanSuffix     string `mapstructure:"human_suffix" yaml:"human_suffix" json:"human_suffix"`
	AssistantPrefix string `mapstructure:"assistant_prefix" yaml:"assistant_prefix" json:"assistant_prefix"`
	AssistantSuffix string `mapstructure:"assistant_suffix" yaml:"assistant_suffix" json:"assistant_suffix"`

	// Floor between successive progress log emissions
	MinimumLogInterval time.Duration `mapstructure:"minimum_log_interval" yaml:"minimum_log_interval" json:"minimum_log_interval"`

	// Write step-<n> checkpoints with optimizer/scheduler state
	IntermediateCheckpoints bool `mapstructure:"intermediate_checkpoints" yaml:"intermediate_checkpoints" json:"intermediate_checkpoints"`

	// Skip checkpoint writes entirely (debug runs)
	Debug bool `mapstructure:"debug" yaml:"debug" json:"debug"`

	// Bounded tolerance for non-finite steps before the run is failed
	MaxNonFiniteSteps int `mapstructure:"max_nonfinite_steps" yaml:"max_nonfinite_steps" json:"max_nonfinite_steps"`

	// Bounded tolerance for defective batches before the run is failed
	MaxDataErrors int `mapstructure:"max_data_errors" yaml:"max_data_errors" json:"max_data_errors"`
}

// RunDir returns the run artifact directory
func (r RunConfig) RunDir() string {
	return filepath.Join(r.OutputDir, r.ExpName)
}

// ============================================================================
// Data Configuration
// ============================================================================

// DataConfig defines dataset selection and batch composition targets
type DataConfig struct {
	// Dataset file paths (JSON), merged in order
	Datasets []string `mapstructure:"datasets" yaml:"datasets" json:"datasets" validate:"min=1"`

	// Target fraction of unique desirable examples per epoch, in (0,1]
	FracUniqueDesirable float64 `mapstructure:"frac_unique_desirable" yaml:"frac_unique_desirable" json:"frac_unique_desirable" validate:"fraction"`

	// Target fraction of unique undesirable examples per epoch, in (0,1]
	FracUniqueUndesirable float64 `mapstructure:"frac_unique_undesirable" yaml:"frac_unique_undesirable" json:"frac_unique_undesirable" validate:"fraction"`
}

// ============================================================================
// Model Configuration
// ============================================================================

// ModelConfig defines the nested model block
type ModelConfig struct {
	// Model identity (used for vocab hashing salt and artifact naming)
	NameOrPath string `mapstructure:"name_or_path" yaml:"name_or_path" json:"name_or_path" validate:"required"`

	// Optional prior checkpoint to initialize policy weights from
	LoadFrom string `mapstructure:"load_from" yaml:"load_from" json:"load_from"`

	// Numeric precision policy for the policy model
	PolicyDType string `mapstructure:"policy_dtype" yaml:"policy_dtype" json:"policy_dtype" validate:"dtype"`

	// Numeric precision policy for the reference model
	ReferenceDType string `mapstructure:"reference_dtype" yaml:"reference_dtype" json:"reference_dtype" validate:"dtype"`

	// Gradient norm cap for policy parameters
	MaxGradNorm float64 `mapstructure:"max_grad_norm" yaml:"max_grad_norm" json:"max_grad_norm" validate:"gt=0"`

	// Separate cap for the auxiliary value head, if one is attached (0 = off)
	VHeadMaxGradNorm float64 `mapstructure:"v_head_max_grad_norm" yaml:"v_head_max_grad_norm" json:"v_head_max_grad_norm"`

	// Sequence length limits
	MaxLength       int `mapstructure:"max_length" yaml:"max_length" json:"max_length" validate:"gt=0"`
	MaxPromptLength int `mapstructure:"max_prompt_length" yaml:"max_prompt_length" json:"max_prompt_length" validate:"gt=0"`

	// Re-derive token statistics during backward instead of retaining them
	ActivationRecompute bool `mapstructure:"activation_recompute" yaml:"activation_recompute" json:"activation_recompute"`

	// Batch sizes
	BatchSize     int `mapstructure:"batch_size" yaml:"batch_size" json:"batch_size" validate:"gt=0"`
	EvalBatchSize int `mapstructure:"eval_batch_size" yaml:"eval_batch_size" json:"eval_batch_size"`

	// Microbatches accumulated per optimizer step
	GradientAccumulationSteps int `mapstructure:"gradient_accumulation_steps" yaml:"gradient_accumulation_steps" json:"gradient_accumulation_steps" validate:"gt=0"`

	// Hashed vocabulary size
	VocabSize int `mapstructure:"vocab_size" yaml:"vocab_size" json:"vocab_size" validate:"gt=0"`
}

// ============================================================================
// Loss Configuration
// ============================================================================

// LossConfig defines the nested loss block
type LossConfig struct {
	// Objective tag resolved through the strategy registry at startup
	Name string `mapstructure:"name" yaml:"name" json:"name" validate:"lossname"`

	// Dataloader variant feeding this objective
	DataLoader string `mapstructure:"dataloader" yaml:"dataloader" json:"dataloader" validate:"loaderkind"`

	// Whether the objective consumes a frozen reference model
	UseReferenceModel bool `mapstructure:"use_reference_model" yaml:"use_reference_model" json:"use_reference_model"`

	// Temperature on the log-ratio margin
	Beta float64 `mapstructure:"beta" yaml:"beta" json:"beta"`

	// Hinge margin for slic
	Margin float64 `mapstructure:"margin" yaml:"margin" json:"margin"`

	// SFT regularizer coefficient for slic
	SFTCoef float64 `mapstructure:"sft_coef" yaml:"sft_coef" json:"sft_coef"`

	// Class weights for kto variants
	DesirableWeight   float64 `mapstructure:"desirable_weight" yaml:"desirable_weight" json:"desirable_weight"`
	UndesirableWeight float64 `mapstructure:"undesirable_weight" yaml:"undesirable_weight" json:"undesirable_weight"`
}

// ============================================================================
// Distributed Configuration
// ============================================================================

// DistributedConfig defines the data-parallel worker group
type DistributedConfig struct {
	// Enable the multi-worker group (world_size > 1)
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Number of worker ranks
	WorldSize int `mapstructure:"world_size" yaml:"world_size" json:"world_size" validate:"gt=0"`

	// Coordination port, reserved for future cross-process groups
	Port int `mapstructure:"port" yaml:"port" json:"port"`
}

// ============================================================================
// Tracking Configuration
// ============================================================================

// TrackingConfig defines the experiment tracking sink
type TrackingConfig struct {
	// Enable metric emission to the configured sink
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Sink kind (log, kafka, postgres)
	Kind string `mapstructure:"kind" yaml:"kind" json:"kind"`

	// Kafka sink settings
	Kafka KafkaSinkConfig `mapstructure:"kafka" yaml:"kafka" json:"kafka"`

	// Postgres run registry settings
	Postgres PostgresSinkConfig `mapstructure:"postgres" yaml:"postgres" json:"postgres"`
}

// KafkaSinkConfig defines the kafka metric stream target
type KafkaSinkConfig struct {
	Brokers  []string `mapstructure:"brokers" yaml:"brokers" json:"brokers"`
	Topic    string   `mapstructure:"topic" yaml:"topic" json:"topic"`
	ClientID string   `mapstructure:"client_id" yaml:"client_id" json:"client_id"`
}

// PostgresSinkConfig defines the postgres run registry target
type PostgresSinkConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn" json:"dsn"`
}

// ============================================================================
// Observability Configuration
// ============================================================================

// ObservabilityConfig groups logging, metrics, and tracing settings
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging" json:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
}

// LoggingConfig defines structured logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level" json:"level"`
	Format     string `mapstructure:"format" yaml:"format" json:"format"`
	Output     string `mapstructure:"output" yaml:"output" json:"output"`
	FilePath   string `mapstructure:"file_path" yaml:"file_path" json:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size" json:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age" json:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress" json:"compress"`
}

// MetricsConfig defines prometheus exposition settings
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace" yaml:"namespace" json:"namespace"`
	Subsystem string `mapstructure:"subsystem" yaml:"subsystem" json:"subsystem"`
}

// TracingConfig defines otel tracing settings
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	ServiceName  string  `mapstructure:"service_name" yaml:"service_name" json:"service_name"`
	ExporterType string  `mapstructure:"exporter_type" yaml:"exporter_type" json:"exporter_type"`
	Endpoint     string  `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate" json:"sampling_rate"`
}

// ============================================================================
// Storage Configuration
// ============================================================================

// StorageConfig defines the optional checkpoint/sample mirror
type StorageConfig struct {
	Mirror MirrorConfig `mapstructure:"mirror" yaml:"mirror" json:"mirror"`
}

// MirrorConfig defines object storage mirroring of run artifacts
type MirrorConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key" json:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl" yaml:"use_ssl" json:"use_ssl"`
	Bucket          string `mapstructure:"bucket" yaml:"bucket" json:"bucket"`
}

// ============================================================================
// Cache Configuration
// ============================================================================

// CacheConfig defines the tokenized example cache tiers
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis" yaml:"redis" json:"redis"`
}

// RedisCacheConfig defines the optional redis L2 cache
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Host     string        `mapstructure:"host" yaml:"host" json:"host"`
	Port     int           `mapstructure:"port" yaml:"port" json:"port"`
	Password string        `mapstructure:"password" yaml:"password" json:"password"`
	DB       int           `mapstructure:"db" yaml:"db" json:"db"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
}

// ============================================================================
// Server Configuration
// ============================================================================

// ServerConfig defines the coordinator status API
type ServerConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Host        string `mapstructure:"host" yaml:"host" json:"host"`
	Port        int    `mapstructure:"port" yaml:"port" json:"port"`
	EnablePprof bool   `mapstructure:"enable_pprof" yaml:"enable_pprof" json:"enable_pprof"`
}

// ============================================================================
// Validation
// ============================================================================

// Validate checks tag rules and the cross-field invariants the trainer
// depends on. All violations are CONFIG errors: fatal at startup, no retry.
func (c *Config) Validate() error {
	if err := validator.Default().Struct(c); err != nil {
		return errors.ConfigError(err.Error())
	}

	lossName := types.LossName(c.Loss.Name)
	loaderKind := types.LoaderKind(c.Loss.DataLoader)

	// Loader/loss shape compatibility
	switch {
	case lossName == types.LossSFT && loaderKind != types.LoaderSFT:
		return errors.ConfigErrorf("loss %s requires the %s dataloader, got %s", lossName, types.LoaderSFT, loaderKind)
	case lossName.Paired() && loaderKind != types.LoaderPaired:
		return errors.ConfigErrorf("loss %s requires the %s dataloader, got %s", lossName, types.LoaderPaired, loaderKind)
	case !lossName.Paired() && lossName != types.LossSFT && loaderKind != types.LoaderUnpaired:
		return errors.ConfigErrorf("loss %s requires the %s dataloader, got %s", lossName, types.LoaderUnpaired, loaderKind)
	}

	// SFT never consumes a reference model
	if lossName == types.LossSFT && c.Loss.UseReferenceModel {
		return errors.ConfigErrorf("loss %s does not use a reference model", lossName)
	}

	// Reference-based objectives must request one
	if lossName != types.LossSFT && !c.Loss.UseReferenceModel {
		return errors.NewCoded(errors.ErrConfigReferenceRequired).
			WithDetails("loss", c.Loss.Name)
	}

	// A run needs at least one budget
	if c.Run.Mode == types.ModeTrain.String() && c.Run.NEpochs <= 0 && c.Run.NExamples <= 0 {
		return errors.NewCoded(errors.ErrConfigBadBudget)
	}

	// Prompt limit must leave room for a response
	if c.Model.MaxPromptLength >= c.Model.MaxLength {
		return errors.ConfigErrorf("max_prompt_length %d must be below max_length %d",
			c.Model.MaxPromptLength, c.Model.MaxLength)
	}

	// Batch must be divisible across the worker group
	if c.Distributed.WorldSize > 0 && c.Model.BatchSize%c.Distributed.WorldSize != 0 {
		return errors.ConfigErrorf("batch_size %d not divisible by world_size %d",
			c.Model.BatchSize, c.Distributed.WorldSize)
	}

	if c.Tracking.Enabled && !types.TrackerKind(c.Tracking.Kind).Valid() {
		return errors.ConfigErrorf("unknown tracking kind: %s", c.Tracking.Kind)
	}

	return nil
}

//Personal.AI order the ending
