package events

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// WebhookPublisher POSTs events as JSON. Only the listed types are sent; an
// empty list sends everything.
type WebhookPublisher struct {
	url    string
	types  map[Type]bool
	client *http.Client
}

// NewWebhookPublisher creates a WebhookPublisher.
func NewWebhookPublisher(url string, types ...Type) *WebhookPublisher {
	p := &WebhookPublisher{url: url, client: &http.Client{Timeout: 10 * time.Second}}
	if len(types) > 0 {
		p.types = make(map[Type]bool, len(types))
		for _, t := range types {
			p.types[t] = true
		}
	}
	return p
}

func (p *WebhookPublisher) Publish(ctx context.Context, e Event) error {
	if p.url == "" || (p.types != nil && !p.types[e.Type]) {
		return nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "events: marshal event")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "events: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "events: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("events: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
