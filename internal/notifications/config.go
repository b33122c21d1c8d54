package notifications

import (
	"os"

	"go.uber.org/zap"
)

// FromEnv assembles the alert channels from environment variables.
// Channels with no configuration are simply absent; a deployment with
// neither email nor webhook gets a notifier that always succeeds.
//
//	ALERT_EMAIL_FROM       sender address for alert emails
//	ALERT_RESEND_API_KEY   Resend API key, enables the email channel
//	ALERT_WEBHOOK_URL      endpoint for alert webhooks, enables the channel
//	ALERT_WEBHOOK_SECRET   HMAC secret for webhook signatures
func FromEnv(logger *zap.Logger) *Multi {
	var channels []Notifier

	if apiKey := os.Getenv("ALERT_RESEND_API_KEY"); apiKey != "" {
		from := os.Getenv("ALERT_EMAIL_FROM")
		if from == "" {
			from = "alerts@gridpulse.local"
		}
		email, err := NewEmailNotifier(from, apiKey, logger)
		if err != nil {
			logger.Warn("email channel disabled", zap.Error(err))
		} else {
			channels = append(channels, email)
			logger.Info("email alert channel enabled", zap.String("from", from))
		}
	}

	if url := os.Getenv("ALERT_WEBHOOK_URL"); url != "" {
		channels = append(channels, NewWebhookNotifier(url, os.Getenv("ALERT_WEBHOOK_SECRET"), logger))
		logger.Info("webhook alert channel enabled", zap.String("url", url))
	}

	if len(channels) == 0 {
		logger.Warn("no alert channels configured, alerts will latch without delivery")
	}

	return NewMulti(logger, channels...)
}
