package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halotrain/halotrain/pkg/config"
	"github.com/halotrain/halotrain/pkg/errors"
)

// validConfig builds a configuration that passes validation
func validConfig() *config.Config {
	return &config.Config{
		Run: config.RunConfig{
			Seed:      42,
			ExpName:   "cfg-test",
			Mode:      "train",
			EvalEvery: 20000,
			NEpochs:   1,
			Optimizer: "adamw",
			LR:        5e-7,
			TopP:      0.95,
		},
		Data: config.DataConfig{
			Datasets:              []string{"dataset.json"},
			FracUniqueDesirable:   1,
			FracUniqueUndesirable: 1,
		},
		Model: config.ModelConfig{
			NameOrPath:                "test-model",
			PolicyDType:               "float32",
			ReferenceDType:            "float32",
			MaxGradNorm:               10,
			MaxLength:                 2048,
			MaxPromptLength:           1024,
			BatchSize:                 32,
			GradientAccumulationSteps: 1,
			VocabSize:                 32768,
		},
		Loss: config.LossConfig{
			Name:              "dpo",
			DataLoader:        "paired",
			UseReferenceModel: true,
			Beta:              0.1,
		},
		Distributed: config.DistributedConfig{WorldSize: 1},
	}
}

// TestValidate tests the cross-field invariants
func TestValidate(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("LossLoaderMismatch", func(t *testing.T) {
		cfg := validConfig()
		cfg.Loss.DataLoader = "unpaired"
		assert.Error(t, cfg.Validate())
	})

	t.Run("SFTRejectsReference", func(t *testing.T) {
		cfg := validConfig()
		cfg.Loss = config.LossConfig{Name: "sft", DataLoader: "sft", UseReferenceModel: true}
		assert.Error(t, cfg.Validate())
	})

	t.Run("ReferenceRequired", func(t *testing.T) {
		cfg := validConfig()
		cfg.Loss.UseReferenceModel = false
		err := cfg.Validate()
		require.Error(t, err)
		assert.Equal(t, errors.ErrConfigReferenceRequired.Code, errors.GetCode(err))
	})

	t.Run("MissingBudget", func(t *testing.T) {
		cfg := validConfig()
		cfg.Run.NEpochs = 0
		cfg.Run.NExamples = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Equal(t, errors.ErrConfigBadBudget.Code, errors.GetCode(err))
	})

	t.Run("BudgetIgnoredOutsideTraining", func(t *testing.T) {
		cfg := validConfig()
		cfg.Run.Mode = "eval"
		cfg.Run.NEpochs = 0
		assert.NoError(t, cfg.Validate())
	})

	t.Run("PromptLongerThanSequence", func(t *testing.T) {
		cfg := validConfig()
		cfg.Model.MaxPromptLength = cfg.Model.MaxLength
		assert.Error(t, cfg.Validate())
	})

	t.Run("BatchNotDivisibleByWorldSize", func(t *testing.T) {
		cfg := validConfig()
		cfg.Model.BatchSize = 6
		cfg.Distributed.WorldSize = 4
		assert.Error(t, cfg.Validate())
	})

	t.Run("UnknownLossName", func(t *testing.T) {
		cfg := validConfig()
		cfg.Loss.Name = "ppo"
		assert.Error(t, cfg.Validate())
	})

	t.Run("UnknownTrackingKind", func(t *testing.T) {
		cfg := validConfig()
		cfg.Tracking = config.TrackingConfig{Enabled: true, Kind: "wandb"}
		assert.Error(t, cfg.Validate())
	})
}

// TestLoadFromFile tests file loading, defaults, and override precedence
func TestLoadFromFile(t *testing.T) {
	payload := []byte(`
run:
  exp_name: file-test
  mode: train
  n_epochs: 2
data:
  datasets:
    - dataset.json
model:
  name_or_path: test-model
loss:
  name: kto
  dataloader: unpaired
  use_reference_model: true
`)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	t.Run("FileValues", func(t *testing.T) {
		cfg, err := config.LoadFromFile(path, nil)
		require.NoError(t, err)
		assert.Equal(t, "file-test", cfg.Run.ExpName)
		assert.Equal(t, 2, cfg.Run.NEpochs)
		assert.Equal(t, "kto", cfg.Loss.Name)
	})

	t.Run("DefaultsApplied", func(t *testing.T) {
		cfg, err := config.LoadFromFile(path, nil)
		require.NoError(t, err)
		assert.Equal(t, "adamw", cfg.Run.Optimizer)
		assert.Equal(t, 20000, cfg.Run.EvalEvery)
		assert.Equal(t, int64(42), cfg.Run.Seed)
		assert.Equal(t, 32768, cfg.Model.VocabSize)
		assert.Equal(t, cfg.Model.BatchSize, cfg.Model.EvalBatchSize)
		assert.InDelta(t, 0.1, cfg.Loss.Beta, 1e-12)
		assert.Equal(t, 1, cfg.Distributed.WorldSize)
	})

	t.Run("OverridesWin", func(t *testing.T) {
		cfg, err := config.LoadFromFile(path, map[string]interface{}{
			"run.lr":           1e-6,
			"run.exp_name":     "override",
			"model.batch_size": 8,
		})
		require.NoError(t, err)
		assert.InDelta(t, 1e-6, cfg.Run.LR, 1e-18)
		assert.Equal(t, "override", cfg.Run.ExpName)
		assert.Equal(t, 8, cfg.Model.BatchSize)
	})

	t.Run("InvalidFileRejected", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("run:\n  exp_name: x\n  mode: fly\n"), 0o644))
		_, err := config.LoadFromFile(bad, nil)
		assert.Error(t, err)
	})
}

//Personal.AI order the ending
