package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Webhook is a notification subscription.
type Webhook struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// CreatedWebhook carries the signing secret, returned only at creation.
type CreatedWebhook struct {
	Subscription Webhook `json:"subscription"`
	Secret       string  `json:"secret"`
}

// WebhookDelivery is one recorded delivery attempt.
type WebhookDelivery struct {
	ID           string    `json:"id"`
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	StatusCode   int       `json:"status_code"`
	Attempt      int       `json:"attempt"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	DeliveredAt  time.Time `json:"delivered_at"`
}

// CreateWebhook subscribes endpoint to the given notification types (admin).
func (c *Client) CreateWebhook(ctx context.Context, endpoint string, events []string) (*CreatedWebhook, error) {
	var out CreatedWebhook
	body := map[string]any{"url": endpoint, "events": events}
	if err := c.doJSON(ctx, http.MethodPost, apiPrefix+"/webhooks", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Webhooks lists every subscription (admin).
func (c *Client) Webhooks(ctx context.Context) ([]Webhook, error) {
	var out struct {
		Subscriptions []Webhook `json:"subscriptions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, apiPrefix+"/webhooks", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Subscriptions, nil
}

// DeleteWebhook removes a subscription (admin).
func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, apiPrefix+"/webhooks/"+url.PathEscape(id), nil, nil, nil)
}

// WebhookDeliveries returns the newest delivery attempts of a subscription
// first (admin). limit <= 0 uses the server default.
func (c *Client) WebhookDeliveries(ctx context.Context, id string, limit int) ([]WebhookDelivery, error) {
	path := apiPrefix + "/webhooks/" + url.PathEscape(id) + "/deliveries"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var out struct {
		Deliveries []WebhookDelivery `json:"deliveries"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Deliveries, nil
}
