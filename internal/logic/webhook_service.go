package logic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/pccr10001/rtcall/internal/model"
	"go.uber.org/zap"
)

const defaultTemplate = "Missed {{.Mode}} call from {{.Caller}} at {{.Time}}"

// WebhookStore is the part of the webhook repository the service reads.
type WebhookStore interface {
	FindForPeer(peerID string) ([]model.Webhook, error)
}

// WebhookService posts missed-call notices to the configured webhooks.
type WebhookService struct {
	repo   WebhookStore
	client *http.Client
	log    *zap.SugaredLogger
}

func NewWebhookService(repo WebhookStore, log *zap.SugaredLogger) *WebhookService {
	return &WebhookService{
		repo:   repo,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

// missedCall is what templates see.
type missedCall struct {
	model.CallRecord
	Caller string
	Time   string
}

// NotifyMissedCall sends rec to every matching webhook in the background.
func (s *WebhookService) NotifyMissedCall(rec model.CallRecord) {
	webhooks, err := s.repo.FindForPeer(rec.PeerID)
	if err != nil {
		s.log.Errorf("Failed to fetch webhooks for %s: %v", rec.PeerID, err)
		return
	}

	for _, wh := range webhooks {
		go func(wh model.Webhook) {
			ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
			defer cancel()
			if err := s.send(ctx, wh, rec); err != nil {
				s.log.Errorf("Webhook %s: %v", wh.URL, err)
				return
			}
			s.log.Infof("Missed call webhook sent to %s", wh.URL)
		}(wh)
	}
}

func render(wh model.Webhook, rec model.CallRecord) string {
	caller := rec.PeerName
	if caller == "" {
		caller = rec.PeerID
	}
	data := missedCall{CallRecord: rec, Caller: caller, Time: rec.StartedAt.Format(time.RFC3339)}

	text := wh.Template
	if text == "" {
		text = defaultTemplate
	}
	tmpl, err := template.New("msg").Parse(text)
	if err != nil {
		tmpl = template.Must(template.New("msg").Parse(defaultTemplate))
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Sprintf("Missed call from %s", caller)
	}
	return buf.String()
}

func payload(wh model.Webhook, rec model.CallRecord) ([]byte, error) {
	content := render(wh, rec)
	switch {
	case wh.Platform == "slack" || strings.Contains(wh.URL, "slack.com"):
		return json.Marshal(map[string]any{"text": content})
	case wh.Platform == "telegram":
		body := map[string]any{
			"text":       content,
			"parse_mode": "Markdown",
		}
		if wh.ChannelID != "" {
			body["chat_id"] = wh.ChannelID
		}
		return json.Marshal(body)
	default:
		return json.Marshal(map[string]any{
			"text": content,
			"call": rec,
		})
	}
}

func (s *WebhookService) send(ctx context.Context, wh model.Webhook, rec model.CallRecord) error {
	body, err := payload(wh, rec)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
