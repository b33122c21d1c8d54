// Package ingress feeds the pipeline from streaming transports. HTTP
// ingestion lives in the gateway; this package covers the Kafka topic
// fleet gateways publish to and the MQTT broker meters push to
// directly.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"github.com/gridpulse/metering-plane/internal/config"
	"github.com/gridpulse/metering-plane/internal/pipeline"
	"github.com/gridpulse/metering-plane/pkg/models"
)

// KafkaConsumer consumes telemetry from the meter stream as part of a
// consumer group, one goroutine per configured consumer.
type KafkaConsumer struct {
	cfg      config.KafkaConfig
	group    sarama.ConsumerGroup
	pipeline *pipeline.Pipeline
	logger   *zap.Logger
}

// NewKafkaConsumer creates the consumer group client.
func NewKafkaConsumer(cfg config.KafkaConfig, p *pipeline.Pipeline, logger *zap.Logger) (*KafkaConsumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Consumer.Return.Errors = true
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	saramaConfig.Consumer.MaxWaitTime = 250 * time.Millisecond

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	return &KafkaConsumer{
		cfg:      cfg,
		group:    group,
		pipeline: p,
		logger:   logger,
	}, nil
}

// Start runs the consumer claims until ctx is cancelled.
func (c *KafkaConsumer) Start(ctx context.Context) {
	c.logger.Info("starting kafka ingress",
		zap.Strings("brokers", c.cfg.Brokers),
		zap.String("topic", c.cfg.Topic),
		zap.Int("consumers", c.cfg.ConsumerCount),
	)

	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("kafka consumer error", zap.Error(err))
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.ConsumerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handler := &claimHandler{pipeline: c.pipeline, logger: c.logger}
			for {
				if err := c.group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
					if errors.Is(err, context.Canceled) || ctx.Err() != nil {
						return
					}
					c.logger.Error("kafka consume failed", zap.Error(err))
				}
				if ctx.Err() != nil {
					return
				}
			}
		}()
	}
	wg.Wait()
}

// Close releases the consumer group.
func (c *KafkaConsumer) Close() error {
	return c.group.Close()
}

// claimHandler implements sarama.ConsumerGroupHandler
type claimHandler struct {
	pipeline *pipeline.Pipeline
	logger   *zap.Logger
}

func (h *claimHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *claimHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *claimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		var sample models.TelemetrySample
		if err := json.Unmarshal(message.Value, &sample); err != nil {
			h.logger.Warn("dropping malformed telemetry message",
				zap.Int64("offset", message.Offset),
				zap.Error(err),
			)
			session.MarkMessage(message, "")
			continue
		}

		// Processing errors are logged and the message marked anyway:
		// a sample for an unknown meter never becomes valid by
		// redelivery, and transient store errors are recovered by the
		// meter's next sample.
		if _, err := h.pipeline.Ingest(session.Context(), sample, "kafka"); err != nil {
			h.logger.Warn("failed to ingest streamed sample",
				zap.String("meter_id", sample.MeterID),
				zap.Error(err),
			)
		}
		session.MarkMessage(message, "")
	}
	return nil
}
