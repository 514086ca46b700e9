package tracking_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halotrain/halotrain/internal/observability/logging"
	"github.com/halotrain/halotrain/internal/tracking"
	"github.com/halotrain/halotrain/pkg/config"
)

// TestNew tests sink construction from configuration
func TestNew(t *testing.T) {
	logger := logging.NewNoopLogger()

	t.Run("DisabledYieldsNoop", func(t *testing.T) {
		tracker, err := tracking.New(config.TrackingConfig{Enabled: false}, logger, nil)
		require.NoError(t, err)
		assert.NoError(t, tracker.Emit(context.Background(), tracking.Event{}))
		assert.NoError(t, tracker.Close())
	})

	t.Run("LogSink", func(t *testing.T) {
		tracker, err := tracking.New(config.TrackingConfig{Enabled: true, Kind: "log"}, logger, nil)
		require.NoError(t, err)
		defer tracker.Close()

		require.NoError(t, tracker.StartRun(context.Background(), tracking.RunMeta{
			RunID:   "run-1",
			ExpName: "exp",
		}))
		require.NoError(t, tracker.Emit(context.Background(), tracking.Event{
			RunID:     "run-1",
			Split:     "train",
			Step:      3,
			Metrics:   map[string]float64{"loss": 0.5},
			Timestamp: time.Now(),
		}))
		require.NoError(t, tracker.FinishRun(context.Background(), "done"))
	})

	t.Run("UnknownKind", func(t *testing.T) {
		_, err := tracking.New(config.TrackingConfig{Enabled: true, Kind: "wandb"}, logger, nil)
		assert.Error(t, err)
	})

	t.Run("KafkaRequiresBrokers", func(t *testing.T) {
		_, err := tracking.New(config.TrackingConfig{Enabled: true, Kind: "kafka"}, logger, nil)
		assert.Error(t, err)
	})

	t.Run("PostgresRequiresDSN", func(t *testing.T) {
		_, err := tracking.New(config.TrackingConfig{Enabled: true, Kind: "postgres"}, logger, nil)
		assert.Error(t, err)
	})
}

//Personal.AI order the ending
