package hub

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/example/fleet-tracking/internal/models"
)

// WebhookPusher posts fired notifications to an external push gateway so
// recipients without an open socket can still be reached. Best-effort: a
// gateway failure never propagates to the notification path.
type WebhookPusher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewWebhookPusher(endpoint, key string) *WebhookPusher {
	return &WebhookPusher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *WebhookPusher) Push(evt models.NotificationEvent) {
	body := map[string]any{
		"recipient_id": evt.RecipientID,
		"notification": evt,
	}
	b, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Key != "" {
		req.Header.Set("Authorization", "Bearer "+w.Key)
	}
	if resp, err := w.Client.Do(req); err == nil {
		resp.Body.Close()
	}
}
