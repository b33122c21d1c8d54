package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/gridpulse/metering-plane/internal/config"
	"github.com/gridpulse/metering-plane/internal/pipeline"
	"github.com/gridpulse/metering-plane/pkg/models"
)

// MQTTSubscriber ingests telemetry pushed by meters over MQTT. Meters
// publish JSON samples to meters/<meter-id>/telemetry; the meter ID in
// the topic wins over whatever the payload claims.
type MQTTSubscriber struct {
	cfg      config.MQTTConfig
	client   mqtt.Client
	pipeline *pipeline.Pipeline
	logger   *zap.Logger
}

// NewMQTTSubscriber creates the subscriber. The connection is opened
// by Start.
func NewMQTTSubscriber(cfg config.MQTTConfig, p *pipeline.Pipeline, logger *zap.Logger) *MQTTSubscriber {
	s := &MQTTSubscriber{cfg: cfg, pipeline: p, logger: logger}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(client mqtt.Client) {
			if token := client.Subscribe(cfg.Topic, 1, s.handleMessage); token.Wait() && token.Error() != nil {
				logger.Error("mqtt subscribe failed", zap.String("topic", cfg.Topic), zap.Error(token.Error()))
				return
			}
			logger.Info("mqtt ingress subscribed", zap.String("topic", cfg.Topic))
		})

	s.client = mqtt.NewClient(opts)
	return s
}

// Start connects and blocks until ctx is cancelled.
func (s *MQTTSubscriber) Start(ctx context.Context) error {
	s.logger.Info("starting mqtt ingress", zap.String("broker", s.cfg.BrokerURL))
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect failed: %w", token.Error())
	}

	<-ctx.Done()
	s.client.Disconnect(250)
	return nil
}

func (s *MQTTSubscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var sample models.TelemetrySample
	if err := json.Unmarshal(msg.Payload(), &sample); err != nil {
		s.logger.Warn("dropping malformed mqtt payload",
			zap.String("topic", msg.Topic()),
			zap.Error(err),
		)
		return
	}

	if meterID := meterIDFromTopic(msg.Topic()); meterID != "" {
		sample.MeterID = meterID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.pipeline.Ingest(ctx, sample, "mqtt"); err != nil {
		s.logger.Warn("failed to ingest mqtt sample",
			zap.String("meter_id", sample.MeterID),
			zap.Error(err),
		)
	}
}

// meterIDFromTopic extracts the meter ID from meters/<id>/telemetry.
func meterIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "meters" || parts[2] != "telemetry" {
		return ""
	}
	return parts[1]
}
