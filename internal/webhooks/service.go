// Package webhooks delivers signed notifications about committed provenance
// changes (batch created, custody transferred, batch purged, day anchored) to
// subscriber endpoints.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/scantotrust/internal/provenance/model"
	"go.uber.org/zap"
)

// Request headers set on every delivery.
const (
	HeaderSignature = "X-Scantotrust-Signature"
	HeaderEvent     = "X-Scantotrust-Event"
	HeaderDelivery  = "X-Scantotrust-Delivery"
)

// DefaultRetryDelays are the waits before the second, third and fourth
// delivery attempts.
var DefaultRetryDelays = []time.Duration{1 * time.Second, 5 * time.Second, 25 * time.Second}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Service manages webhook subscriptions and delivers notifications.
type Service struct {
	store      Store
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	logger     *zap.Logger

	// Deliveries outlive the request that triggered them; Close cancels
	// and waits for them.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new webhook Service.
func NewService(store Store, logger *zap.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:      store,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		delays:     DefaultRetryDelays,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn MetricsRecorder) {
	s.onMetrics = fn
}

// SetHTTPClient replaces the delivery client.
func (s *Service) SetHTTPClient(c *http.Client) {
	if c != nil {
		s.httpClient = c
	}
}

// SetRetryDelays sets the waits between attempts. len(delays)+1 attempts
// are made in total.
func (s *Service) SetRetryDelays(delays []time.Duration) {
	s.delays = delays
}

// Subscribe creates a new subscription with a generated HMAC secret. The
// returned subscription carries the secret; it is not disclosed again.
func (s *Service) Subscribe(ctx context.Context, req *CreateSubscriptionRequest) (*Subscription, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: url must be an absolute http(s) URL", model.ErrInvalidInput)
	}
	if len(req.Events) == 0 {
		return nil, fmt.Errorf("%w: at least one event type is required", model.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(req.Events))
	var events []string
	for _, e := range req.Events {
		if !model.IsNoticeType(e) {
			return nil, fmt.Errorf("%w: unknown event type %q", model.ErrInvalidInput, e)
		}
		if !seen[e] {
			seen[e] = true
			events = append(events, e)
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	sub := &Subscription{
		ID:        uuid.New(),
		URL:       u.String(),
		Events:    events,
		Secret:    secret,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	s.logger.Info("webhook subscribed",
		zap.String("id", sub.ID.String()),
		zap.String("url", sub.URL),
		zap.Strings("events", sub.Events),
	)
	return sub, nil
}

// Unsubscribe deletes a subscription and its delivery history.
func (s *Service) Unsubscribe(ctx context.Context, id uuid.UUID) error {
	return s.store.Delete(ctx, id)
}

// List returns every subscription.
func (s *Service) List(ctx context.Context) ([]*Subscription, error) {
	return s.store.List(ctx)
}

// Deliveries returns the most recent delivery attempts for a subscription.
func (s *Service) Deliveries(ctx context.Context, id uuid.UUID, limit int) ([]*Delivery, error) {
	return s.store.Deliveries(ctx, id, limit)
}

// Dispatch fans a notification out to every matching subscription. It
// returns once the subscribers are selected; delivery runs in the background.
func (s *Service) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	subs, err := s.store.ListByEvent(ctx, eventType)
	if err != nil {
		s.logger.Error("webhook: list subscribers", zap.String("type", eventType), zap.Error(err))
		return
	}
	if len(subs) == 0 {
		return
	}

	event := Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	for _, sub := range subs {
		s.wg.Add(1)
		go func(sub *Subscription) {
			defer s.wg.Done()
			s.deliver(s.ctx, sub, event, body)
		}(sub)
	}
}

// Close abandons pending retries and waits for in-flight deliveries.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every dispatched delivery has finished.
func (s *Service) Wait() { s.wg.Wait() }

// deliver sends the event to a single subscription with retries.
func (s *Service) deliver(ctx context.Context, sub *Subscription, event Event, body []byte) {
	signature := Sign(body, sub.Secret)

	for attempt := 1; attempt <= len(s.delays)+1; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.delays[attempt-2]):
			}
		}

		success, statusCode, errMsg := s.doDelivery(ctx, sub.URL, event, body, signature)

		delivery := &Delivery{
			ID:             uuid.New(),
			SubscriptionID: sub.ID,
			EventID:        event.ID,
			EventType:      event.Type,
			StatusCode:     statusCode,
			Attempt:        attempt,
			Success:        success,
			ErrorMessage:   errMsg,
			DeliveredAt:    time.Now().UTC(),
		}
		if err := s.store.RecordDelivery(ctx, delivery); err != nil {
			s.logger.Warn("webhook: record delivery", zap.Error(err))
		}

		if s.onMetrics != nil {
			s.onMetrics(success)
		}

		if success {
			return
		}

		s.logger.Warn("webhook: delivery failed",
			zap.String("url", sub.URL),
			zap.String("type", event.Type),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (s *Service) doDelivery(ctx context.Context, url string, event Event, body []byte, signature string) (bool, int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderEvent, event.Type)
	req.Header.Set(HeaderDelivery, event.ID.String())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, 0, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	errMsg := ""
	if !success {
		errMsg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return success, resp.StatusCode, errMsg
}

// Sign computes the signature header value for body: "sha256=" followed by
// the hex HMAC-SHA256 under secret. Subscribers recompute it to
// authenticate a delivery.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// generateSecret creates a random 32-byte hex-encoded secret.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
