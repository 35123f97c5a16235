package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const apiPrefix = "/api/v1"

// APIError is a non-2xx response from the tracker.
type APIError struct {
	Status  int
	Code    string // stable reason, e.g. "not_found", "expired"
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tracker error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("tracker error %d: %s", e.Status, e.Message)
}

// IsCode reports whether err is an *APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Owner is the producer registering a batch, or a holder snapshot.
type Owner struct {
	ID      string `json:"id"`
	Code    string `json:"code,omitempty"`
	Role    string `json:"role,omitempty"`
	Name    string `json:"name,omitempty"`
	Company string `json:"company,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// Actor is the party performing a custody step.
type Actor struct {
	ID      string              `json:"id"`
	Name    string              `json:"name,omitempty"`
	Company string              `json:"company,omitempty"`
	Phone   string              `json:"phone,omitempty"`
	Price   decimal.NullDecimal `json:"price"`
}

// CreateBatchRequest is the payload for CreateBatch. Set at most one of
// DocText and DocHash.
type CreateBatchRequest struct {
	BatchID     string              `json:"batch_id"`
	ProductName string              `json:"product_name,omitempty"`
	Price       decimal.NullDecimal `json:"product_price"`
	Location    string              `json:"location,omitempty"`
	Owner       Owner               `json:"owner"`
	DocText     *string             `json:"doc_text,omitempty"`
	DocHash     string              `json:"doc_hash,omitempty"`
	OccurredAt  *time.Time          `json:"occurred_at,omitempty"`
}

// CreateBatchResult is returned by CreateBatch.
type CreateBatchResult struct {
	BatchID        string `json:"batch_id"`
	FirstEventHash string `json:"first_event_hash"`
	Event          Event  `json:"event"`
	QRURL          string `json:"qr_url"`
}

// Event is one custody step of a batch.
type Event struct {
	Seq        int64     `json:"seq"`
	BatchID    string    `json:"batch_id"`
	Role       string    `json:"role"`
	Location   string    `json:"location"`
	DocHash    string    `json:"doc_hash,omitempty"`
	Hash       string    `json:"event_hash"`
	OccurredAt time.Time `json:"occurred_at"`
	RecordedAt time.Time `json:"recorded_at"`
	Actor      Actor     `json:"actor"`
}

// Batch is a tracked unit of product.
type Batch struct {
	ID          string          `json:"id"`
	ProductName string          `json:"product_name"`
	Price       decimal.Decimal `json:"product_price"`
	Owner       Owner           `json:"current_owner"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DayRoot is an anchored Merkle root of one day's events.
type DayRoot struct {
	Day        string    `json:"day"`
	Root       string    `json:"root"`
	Leaves     int       `json:"leaves"`
	TxRef      *string   `json:"tx_ref"`
	AnchoredAt time.Time `json:"anchored_at"`
}

// Timeline is a batch with its events and the anchor status of its latest day.
type Timeline struct {
	Batch       Batch    `json:"batch"`
	Events      []Event  `json:"events"`
	AnchoredDay string   `json:"anchored_day"`
	Anchor      *DayRoot `json:"anchor,omitempty"`
}

// Verification is the result of VerifyTimeline.
type Verification struct {
	BatchID  string `json:"batch_id"`
	Events   int    `json:"events"`
	Valid    bool   `json:"valid"`
	Mismatch *struct {
		Seq      int64  `json:"seq"`
		Stored   string `json:"stored"`
		Computed string `json:"computed"`
	} `json:"mismatch,omitempty"`
}

// AuthorizeRequest is the payload for Authorize.
type AuthorizeRequest struct {
	NextRole      string     `json:"next_role"`
	NextOwnerID   string     `json:"next_owner_id"`
	NextOwnerName *string    `json:"next_owner_name,omitempty"`
	NotBefore     *time.Time `json:"not_before,omitempty"`
	ValidDays     int        `json:"valid_days,omitempty"`
}

// TransferToken is an issued transfer authorization. Code is only present in
// the Authorize response.
type TransferToken struct {
	ID            string     `json:"id"`
	BatchID       string     `json:"batch_id"`
	Code          string     `json:"code,omitempty"`
	NextRole      string     `json:"next_role"`
	NextOwnerID   string     `json:"next_owner_id"`
	NextOwnerName *string    `json:"next_owner_name,omitempty"`
	NotBefore     *time.Time `json:"not_before,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

// HandoffRequest is the payload for Handoff.
type HandoffRequest struct {
	Role       string     `json:"role"`
	Code       string     `json:"code"`
	Actor      Actor      `json:"actor"`
	Location   string     `json:"location,omitempty"`
	DocText    *string    `json:"doc_text,omitempty"`
	DocHash    string     `json:"doc_hash,omitempty"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Sibling string `json:"sibling"`
	Side    string `json:"side"`
}

// InclusionProof shows that an event hash is a leaf of a day's Merkle tree.
type InclusionProof struct {
	Day       string `json:"day"`
	EventHash string `json:"event_hash"`
	Root      string `json:"root"`
	Proof     struct {
		Index int         `json:"index"`
		Steps []ProofStep `json:"steps"`
	} `json:"proof"`
	Leaves  int      `json:"leaves"`
	Stored  *DayRoot `json:"stored,omitempty"`
	Current bool     `json:"current"`
}

// Health is the /healthz report.
type Health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Client is the tracker SDK entry point.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
	cache       *timelineCache // nil = no caching
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("http client is nil")
		}
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an admin token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithCacheTTL caches Timeline results in memory for ttl. Writes made
// through this client invalidate the affected batch.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		c.cache = newTimelineCache(ttl)
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a self-signed certificate.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 30 * time.Second,
		}
		return nil
	}
}

// New creates a Client for the tracker at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid tracker URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

func batchPath(id string, parts ...string) string {
	p := apiPrefix + "/batches/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// CreateBatch registers a batch and its genesis event.
func (c *Client) CreateBatch(ctx context.Context, req CreateBatchRequest) (*CreateBatchResult, error) {
	var res CreateBatchResult
	if err := c.doJSON(ctx, http.MethodPost, apiPrefix+"/batches", nil, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Timeline returns the batch and its ordered events.
func (c *Client) Timeline(ctx context.Context, batchID string) (*Timeline, error) {
	if c.cache != nil {
		if tl, ok := c.cache.get(batchID); ok {
			return tl, nil
		}
	}
	var tl Timeline
	if err := c.doJSON(ctx, http.MethodGet, batchPath(batchID, "timeline"), nil, nil, &tl); err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.set(batchID, &tl)
	}
	return &tl, nil
}

// VerifyTimeline asks the tracker to recompute every stored event hash.
func (c *Client) VerifyTimeline(ctx context.Context, batchID string) (*Verification, error) {
	var v Verification
	if err := c.doJSON(ctx, http.MethodGet, batchPath(batchID, "verify"), nil, nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// QRCode returns the PNG label for a batch. size <= 0 uses the server default.
func (c *Client) QRCode(ctx context.Context, batchID string, size int) ([]byte, error) {
	path := batchPath(batchID, "qr")
	if size > 0 {
		path += fmt.Sprintf("?size=%d", size)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.do(req, 4<<20)
}

// DeleteBatch removes a batch with its events and tokens. Requires an admin
// token.
func (c *Client) DeleteBatch(ctx context.Context, batchID string) error {
	err := c.doJSON(ctx, http.MethodDelete, batchPath(batchID), nil, nil, nil)
	c.invalidate(batchID)
	return err
}

// Authorize issues a transfer code as the current holder.
func (c *Client) Authorize(ctx context.Context, batchID, ownerID, ownerCode string, req AuthorizeRequest) (*TransferToken, error) {
	headers := map[string]string{
		"X-Owner-Id":   ownerID,
		"X-Owner-Code": ownerCode,
	}
	var tok TransferToken
	if err := c.doJSON(ctx, http.MethodPost, batchPath(batchID, "transfers"), headers, req, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// Handoff redeems a transfer code and records the custody event.
func (c *Client) Handoff(ctx context.Context, batchID string, req HandoffRequest) (*Event, error) {
	var ev Event
	err := c.doJSON(ctx, http.MethodPost, batchPath(batchID, "handoff"), nil, req, &ev)
	if err != nil {
		return nil, err
	}
	c.invalidate(batchID)
	return &ev, nil
}

// AnchorDaily anchors day (YYYY-MM-DD), or today when day is empty. Requires
// an admin token.
func (c *Client) AnchorDaily(ctx context.Context, day string) (*DayRoot, error) {
	var body any
	if day != "" {
		body = map[string]string{"day": day}
	}
	var r DayRoot
	if err := c.doJSON(ctx, http.MethodPost, apiPrefix+"/anchor/daily", nil, body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// DayRoot returns the stored root for day.
func (c *Client) DayRoot(ctx context.Context, day string) (*DayRoot, error) {
	var r DayRoot
	if err := c.doJSON(ctx, http.MethodGet, apiPrefix+"/anchor/days/"+url.PathEscape(day), nil, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Proof returns an inclusion proof for eventHash on day.
func (c *Client) Proof(ctx context.Context, day, eventHash string) (*InclusionProof, error) {
	path := apiPrefix + "/anchor/days/" + url.PathEscape(day) + "/proof/" + url.PathEscape(eventHash)
	var p InclusionProof
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Health returns the readiness report. A degraded tracker answers 503, which
// is returned as the report rather than an error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	status, body, err := c.doStatusBody(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusServiceUnavailable {
		return nil, decodeAPIError(status, body)
	}
	var h Health
	if err := json.Unmarshal(body, &h); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}
	return &h, nil
}

func (c *Client) invalidate(batchID string) {
	if c.cache != nil {
		c.cache.delete(batchID)
	}
}

// doJSON sends reqBody (when non-nil) as JSON and decodes the response into
// respBody (when non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, headers map[string]string, reqBody, respBody any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	body, err := c.do(req, 1<<20)
	if err != nil {
		return err
	}
	if respBody == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do executes an HTTP request, attaching the Bearer token if present, and
// turns non-2xx responses into *APIError.
func (c *Client) do(req *http.Request, limit int64) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, body)
	}
	return body, nil
}

// doStatusBody is a lower-level HTTP call that returns (statusCode, body, error)
// without failing on 4xx/5xx responses. The caller interprets the status code.
func (c *Client) doStatusBody(req *http.Request) (int, []byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{Status: status}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
		apiErr.Code = payload.Code
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// --- simple in-memory timeline cache ---

type cacheEntry struct {
	timeline  *Timeline
	expiresAt time.Time
}

type timelineCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newTimelineCache(ttl time.Duration) *timelineCache {
	return &timelineCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (tc *timelineCache) get(key string) (*Timeline, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	e, ok := tc.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.timeline, true
}

func (tc *timelineCache) set(key string, tl *Timeline) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.entries[key] = &cacheEntry{timeline: tl, expiresAt: time.Now().Add(tc.ttl)}
}

func (tc *timelineCache) delete(key string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	delete(tc.entries, key)
}
