package tracking

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/halotrain/halotrain/internal/observability/logging"
	"github.com/halotrain/halotrain/internal/observability/metrics"
	"github.com/halotrain/halotrain/pkg/config"
	"github.com/halotrain/halotrain/pkg/errors"
)

// kafkaTracker publishes metric events as JSON messages to a kafka topic.
// Events are keyed by run id so one run's stream lands on one partition in
// order.
type kafkaTracker struct {
	producer  sarama.SyncProducer
	topic     string
	logger    logging.Logger
	collector *metrics.MetricsCollector
}

func newKafkaTracker(cfg config.KafkaSinkConfig, logger logging.Logger, collector *metrics.MetricsCollector) (*kafkaTracker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.ConfigError("kafka tracking sink requires at least one broker")
	}

	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Retry.Max = 3
	saramaCfg.Producer.Return.Successes = true
	if cfg.ClientID != "" {
		saramaCfg.ClientID = cfg.ClientID
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, errors.InfrastructureError("kafka", err)
	}

	return &kafkaTracker{
		producer:  producer,
		topic:     cfg.Topic,
		logger:    logger,
		collector: collector,
	}, nil
}

func (k *kafkaTracker) StartRun(ctx context.Context, meta RunMeta) error {
	return k.publish(meta.RunID, map[string]interface{}{
		"kind":   "run_start",
		"run_id": meta.RunID,
		"exp":    meta.ExpName,
		"loss":   meta.LossName,
		"mode":   meta.Mode,
		"config": meta.Config,
	})
}

func (k *kafkaTracker) Emit(ctx context.Context, ev Event) error {
	return k.publish(ev.RunID, ev)
}

func (k *kafkaTracker) FinishRun(ctx context.Context, status string) error {
	return k.publish("", map[string]interface{}{
		"kind":   "run_finish",
		"status": status,
	})
}

func (k *kafkaTracker) publish(key string, payload interface{}) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return errors.InfrastructureError("kafka", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Value: sarama.ByteEncoder(value),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	if _, _, err := k.producer.SendMessage(msg); err != nil {
		if k.collector != nil {
			k.collector.IncrementCounter("tracking_errors_total", prometheus.Labels{"sink": "kafka"})
		}
		k.logger.Warn("kafka tracking emission failed", logging.Error(err))
		return errors.InfrastructureError("kafka", err)
	}

	if k.collector != nil {
		k.collector.IncrementCounter("tracking_events_total", prometheus.Labels{"sink": "kafka"})
	}
	return nil
}

func (k *kafkaTracker) Close() error {
	return k.producer.Close()
}

//Personal.AI order the ending
