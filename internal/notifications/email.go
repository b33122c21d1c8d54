package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const resendEndpoint = "https://api.resend.com/emails"

// EmailNotifier sends alert emails using Resend.
type EmailNotifier struct {
	from   string
	apiKey string
	client *http.Client
	logger *zap.Logger
}

// ResendEmailRequest represents a Resend API email request
type ResendEmailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	Text    string   `json:"text,omitempty"`
}

// ResendEmailResponse represents a Resend API response
type ResendEmailResponse struct {
	ID string `json:"id"`
}

// NewEmailNotifier creates an email channel. Recipient comes from the
// meter account's contact field, so only the sender is configured.
func NewEmailNotifier(from, apiKey string, logger *zap.Logger) (*EmailNotifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("resend API key is required")
	}
	return &EmailNotifier{
		from:   from,
		apiKey: apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}, nil
}

// Send implements Notifier. Alerts for meters without a contact
// address are skipped, not failed, so webhook-only meters still latch.
func (e *EmailNotifier) Send(ctx context.Context, alert Alert) error {
	if alert.Contact == "" {
		e.logger.Debug("no contact address, skipping email", zap.String("meter_id", alert.MeterID))
		return nil
	}

	subject := fmt.Sprintf("Electricity budget exceeded for meter %s", alert.MeterID)
	text := fmt.Sprintf(
		"Meter %s has reached a billed cost of %d against a threshold of %d as of %s.",
		alert.MeterID, alert.TotalCost, alert.Threshold, alert.FiredAt.Format(time.RFC3339),
	)
	html := fmt.Sprintf(
		"<p>Meter <strong>%s</strong> has reached a billed cost of <strong>%d</strong> against a threshold of %d.</p><p>Fired at %s.</p>",
		alert.MeterID, alert.TotalCost, alert.Threshold, alert.FiredAt.Format(time.RFC3339),
	)

	emailReq := ResendEmailRequest{
		From:    e.from,
		To:      []string{alert.Contact},
		Subject: subject,
		HTML:    html,
		Text:    text,
	}

	jsonData, err := json.Marshal(emailReq)
	if err != nil {
		return fmt.Errorf("failed to marshal email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", resendEndpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", e.apiKey))

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send email via resend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("resend API returned status %d", resp.StatusCode)
	}

	var resendResp ResendEmailResponse
	if err := json.NewDecoder(resp.Body).Decode(&resendResp); err != nil {
		return fmt.Errorf("failed to decode resend response: %w", err)
	}

	e.logger.Info("alert email sent",
		zap.String("email_id", resendResp.ID),
		zap.String("meter_id", alert.MeterID),
	)

	return nil
}
