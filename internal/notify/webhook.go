package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// severityColor mirrors the reference Discord notifier's embed colors.
var severityColor = map[Severity]int{
	SeverityInfo:     0x3498db,
	SeverityLow:      0x2ecc71,
	SeverityMedium:   0xf39c12,
	SeverityHigh:     0xe67e22,
	SeverityCritical: 0xe74c3c,
}

// WebhookSink posts a Discord-shaped embed payload to a configured URL
// (spec §4.8's "Webhook/chat" reference channel). It is the generic sink
// backing both a Discord-style webhook and any compatible chat webhook,
// optionally HMAC-signing the payload when a secret is configured.
type WebhookSink struct {
	url        string
	username   string
	avatarURL  string
	hmacSecret string
	httpClient *http.Client
}

// NewWebhookSink builds a sink posting to url.
func NewWebhookSink(url, username, avatarURL, hmacSecret string) *WebhookSink {
	if username == "" {
		username = "HoneyGrid Bot"
	}
	return &WebhookSink{
		url:        url,
		username:   username,
		avatarURL:  avatarURL,
		hmacSecret: hmacSecret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields"`
	Timestamp   string       `json:"timestamp"`
}

type webhookPayload struct {
	Username  string  `json:"username"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	Embeds    []embed `json:"embeds"`
}

func (s *WebhookSink) Send(ctx context.Context, e Event) error {
	if s.url == "" {
		return fmt.Errorf("notify: webhook URL not configured")
	}
	payload := webhookPayload{
		Username:  s.username,
		AvatarURL: s.avatarURL,
		Embeds: []embed{{
			Title:       fmt.Sprintf("HoneyGrid Alert - %s", e.Severity),
			Description: fmt.Sprintf("A honeytoken was triggered by agent %s.", e.AgentID),
			Color:       severityColor[e.Severity],
			Fields: []embedField{
				{Name: "Agent", Value: e.AgentID, Inline: true},
				{Name: "Token", Value: e.TokenID, Inline: true},
				{Name: "Event", Value: e.EventType, Inline: true},
				{Name: "Path", Value: e.Path, Inline: false},
			},
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		}},
	}
	return s.post(ctx, payload)
}

func (s *WebhookSink) SendBatch(ctx context.Context, events []Event) error {
	if s.url == "" {
		return fmt.Errorf("notify: webhook URL not configured")
	}
	if len(events) == 0 {
		return nil
	}

	counts := map[Severity]int{}
	for _, e := range events {
		sev := e.Severity
		if sev == 0 {
			sev = SeverityFromEventType(e.EventType)
		}
		counts[sev]++
	}

	fields := make([]embedField, 0, 6)
	for _, sev := range []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo} {
		if counts[sev] > 0 {
			fields = append(fields, embedField{Name: sev.String(), Value: fmt.Sprintf("%d", counts[sev]), Inline: true})
		}
	}

	limit := len(events)
	if limit > 10 {
		limit = 10
	}
	summary := ""
	for i := 0; i < limit; i++ {
		e := events[i]
		summary += fmt.Sprintf("%d. %s - %s - %s\n", i+1, e.AgentID, e.EventType, e.TokenID)
	}
	if len(events) > 10 {
		summary += fmt.Sprintf("... and %d more events", len(events)-10)
	}
	fields = append(fields, embedField{Name: "Recent Events", Value: summary, Inline: false})

	payload := webhookPayload{
		Username:  s.username,
		AvatarURL: s.avatarURL,
		Embeds: []embed{{
			Title:     fmt.Sprintf("HoneyGrid Digest - %d Events", len(events)),
			Color:     0x2c3e50,
			Fields:    fields,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	return s.post(ctx, payload)
}

func (s *WebhookSink) post(ctx context.Context, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.hmacSecret != "" {
		req.Header.Set("X-HoneyGrid-Signature", signPayload(body, s.hmacSecret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
