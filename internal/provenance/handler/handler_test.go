package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/scantotrust/internal/credential"
	"github.com/jmerrifield20/scantotrust/internal/health"
	"github.com/jmerrifield20/scantotrust/internal/identity"
	"github.com/jmerrifield20/scantotrust/internal/provenance/handler"
	"github.com/jmerrifield20/scantotrust/internal/provenance/repository"
	"github.com/jmerrifield20/scantotrust/internal/provenance/service"
	"go.uber.org/zap"
)

type testServer struct {
	router    *gin.Engine
	tokens    *identity.AdminTokens
	anchoring *service.Anchoring
}

func setupRouter(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repository.NewMemory()
	ledger := service.NewLedger(store, credential.Plain{}, zap.NewNop())
	transfers := service.NewTransfers(ledger, nil, zap.NewNop())
	anchoring := service.NewAnchoring(store, nil, zap.NewNop())

	tokens, err := identity.NewAdminTokens([]byte("test-secret"), "tracker-test", 0)
	if err != nil {
		t.Fatal(err)
	}

	r := gin.New()
	v1 := r.Group("/api/v1")
	bh := handler.NewBatchHandler(ledger, tokens, zap.NewNop())
	bh.SetPublicURL("https://track.example.com/")
	bh.Register(v1)
	handler.NewTransferHandler(transfers, zap.NewNop()).Register(v1)
	handler.NewAnchorHandler(anchoring, tokens, zap.NewNop()).Register(v1)

	checker := health.New(health.Config{}, zap.NewNop())
	checker.Register("store", store.Ping)
	handler.NewHealthHandler(checker).Register(r)

	return &testServer{router: r, tokens: tokens, anchoring: anchoring}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) adminHeader(t *testing.T) map[string]string {
	t.Helper()
	tok, err := s.tokens.Issue("ops")
	if err != nil {
		t.Fatal(err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return m
}

func createB1(t *testing.T, s *testServer) map[string]any {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/batches", map[string]any{
		"batch_id":      "B1",
		"product_name":  "Coffee",
		"product_price": "10.00",
		"owner":         map[string]any{"id": "U1", "code": "C1", "name": "Fahim"},
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decode(t, w)
}

func authorize(t *testing.T, s *testServer, ownerID, ownerCode string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/v1/batches/B1/transfers", body, map[string]string{
		handler.HeaderOwnerID:   ownerID,
		handler.HeaderOwnerCode: ownerCode,
	})
}

func TestCreateBatch_201(t *testing.T) {
	s := setupRouter(t)
	resp := createB1(t, s)

	if resp["batch_id"] != "B1" {
		t.Errorf("batch_id = %v", resp["batch_id"])
	}
	if resp["qr_url"] != "/api/v1/batches/B1/qr" {
		t.Errorf("qr_url = %v", resp["qr_url"])
	}
	if h, _ := resp["first_event_hash"].(string); len(h) != 66 {
		t.Errorf("first_event_hash = %v", resp["first_event_hash"])
	}
}

func TestCreateBatch_errors(t *testing.T) {
	s := setupRouter(t)
	createB1(t, s)

	cases := []struct {
		name string
		body any
		want int
		code string
	}{
		{"duplicate", map[string]any{"batch_id": "B1", "owner": map[string]any{"id": "U9", "code": "C9"}}, http.StatusConflict, "conflict"},
		{"missing owner", map[string]any{"batch_id": "B2"}, http.StatusBadRequest, "invalid_input"},
		{"negative price", map[string]any{"batch_id": "B3", "product_price": -1, "owner": map[string]any{"id": "U1", "code": "C1"}}, http.StatusBadRequest, "invalid_input"},
		{"bad doc hash", map[string]any{"batch_id": "B4", "doc_hash": "xyz", "owner": map[string]any{"id": "U1", "code": "C1"}}, http.StatusBadRequest, "invalid_input"},
	}
	for _, tc := range cases {
		w := s.do(t, http.MethodPost, "/api/v1/batches", tc.body, nil)
		if w.Code != tc.want {
			t.Errorf("%s: expected %d, got %d: %s", tc.name, tc.want, w.Code, w.Body.String())
			continue
		}
		if got := decode(t, w)["code"]; got != tc.code {
			t.Errorf("%s: code = %v, want %s", tc.name, got, tc.code)
		}
	}
}

func TestTimeline_200(t *testing.T) {
	s := setupRouter(t)
	createB1(t, s)

	w := s.do(t, http.MethodGet, "/api/v1/batches/B1/timeline", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	events, _ := resp["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("events = %v", resp["events"])
	}
	batch, _ := resp["batch"].(map[string]any)
	owner, _ := batch["current_owner"].(map[string]any)
	if owner["id"] != "U1" {
		t.Errorf("owner = %v", owner)
	}
	if _, leaked := owner["code"]; leaked {
		t.Error("owner code must not be serialised")
	}
}

func TestTimeline_404(t *testing.T) {
	s := setupRouter(t)
	w := s.do(t, http.MethodGet, "/api/v1/batches/nope/timeline", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestVerify_200(t *testing.T) {
	s := setupRouter(t)
	createB1(t, s)

	w := s.do(t, http.MethodGet, "/api/v1/batches/B1/verify", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if decode(t, w)["valid"] != true {
		t.Errorf("expected valid=true: %s", w.Body.String())
	}
}

func TestQRCode(t *testing.T) {
	s := setupRouter(t)
	createB1(t, s)

	w := s.do(t, http.MethodGet, "/api/v1/batches/B1/qr", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %s", ct)
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("body is not a PNG")
	}

	if w := s.do(t, http.MethodGet, "/api/v1/batches/B1/qr?size=9", nil, nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad size: expected 400, got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/v1/batches/nope/qr", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown batch: expected 404, got %d", w.Code)
	}
}

func TestViewURL(t *testing.T) {
	h := handler.NewBatchHandler(nil, nil, zap.NewNop())
	h.SetPublicURL("https://track.example.com/")
	if got := h.ViewURL("lot 7"); got != "https://track.example.com/view/lot%207" {
		t.Errorf("ViewURL = %s", got)
	}
}

func TestTransferFlow(t *testing.T) {
	s := setupRouter(t)
	createB1(t, s)

	w := authorize(t, s, "U1", "C1", map[string]any{
		"next_role": "manufacturer", "next_owner_id": "U2", "next_owner_name": "Rahim",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("authorize: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	code, _ := decode(t, w)["code"].(string)
	if len(code) != service.CodeLength {
		t.Fatalf("code = %q", code)
	}

	handoff := map[string]any{
		"role": "manufacturer", "code": code,
		"actor": map[string]any{"id": "U2", "name": " rahim ", "price": "12.50"},
	}
	w = s.do(t, http.MethodPost, "/api/v1/batches/B1/handoff", handoff, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("handoff: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = s.do(t, http.MethodPost, "/api/v1/batches/B1/handoff", handoff, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("reuse: expected 403, got %d", w.Code)
	}
	if got := decode(t, w)["code"]; got != "already_used" {
		t.Errorf("reuse code = %v, want already_used", got)
	}

	w = s.do(t, http.MethodGet, "/api/v1/batches/B1/timeline", nil, nil)
	events, _ := decode(t, w)["events"].([]any)
	if len(events) != 2 {
		t.Errorf("events = %d, want 2", len(events))
	}
}

func TestAuthorize_wrongCredentials(t *testing.T) {
	s := setupRouter(t)
	createB1(t, s)

	body := map[string]any{"next_role": "manufacturer", "next_owner_id": "U2"}
	if w := authorize(t, s, "U1", "WRONG", body); w.Code != http.StatusForbidden {
		t.Errorf("wrong code: expected 403, got %d", w.Code)
	}
	if w := authorize(t, s, "", "", body); w.Code != http.StatusBadRequest {
		t.Errorf("missing headers: expected 400, got %d", w.Code)
	}
}

func TestHandoff_failureCodes(t *testing.T) {
	s := setupRouter(t)
	createB1(t, s)
	w := authorize(t, s, "U1", "C1", map[string]any{"next_role": "manufacturer", "next_owner_id": "U2"})
	code, _ := decode(t, w)["code"].(string)

	cases := []struct {
		name string
		body map[string]any
		want string
	}{
		{"unknown code", map[string]any{"role": "manufacturer", "code": "ZZZZZZ", "actor": map[string]any{"id": "U2"}}, "invalid_code"},
		{"wrong role", map[string]any{"role": "retailer", "code": code, "actor": map[string]any{"id": "U2"}}, "role_mismatch"},
		{"wrong owner", map[string]any{"role": "manufacturer", "code": code, "actor": map[string]any{"id": "U3"}}, "owner_mismatch"},
	}
	for _, tc := range cases {
		w := s.do(t, http.MethodPost, "/api/v1/batches/B1/handoff", tc.body, nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("%s: expected 403, got %d", tc.name, w.Code)
			continue
		}
		if got := decode(t, w)["code"]; got != tc.want {
			t.Errorf("%s: code = %v, want %s", tc.name, got, tc.want)
		}
	}
}

func TestDeleteBatch_requiresAdmin(t *testing.T) {
	s := setupRouter(t)
	createB1(t, s)

	if w := s.do(t, http.MethodDelete, "/api/v1/batches/B1", nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", w.Code)
	}
	if w := s.do(t, http.MethodDelete, "/api/v1/batches/B1", nil, s.adminHeader(t)); w.Code != http.StatusNoContent {
		t.Fatalf("admin: expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if w := s.do(t, http.MethodGet, "/api/v1/batches/B1/timeline", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("after delete: expected 404, got %d", w.Code)
	}
}

func TestAnchorDaily_andProof(t *testing.T) {
	s := setupRouter(t)
	created := createB1(t, s)
	hash, _ := created["first_event_hash"].(string)

	if w := s.do(t, http.MethodPost, "/api/v1/anchor/daily", nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", w.Code)
	}

	w := s.do(t, http.MethodPost, "/api/v1/anchor/daily", nil, s.adminHeader(t))
	if w.Code != http.StatusOK {
		t.Fatalf("anchor: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	root := decode(t, w)
	if root["root"] != hash || root["leaves"] != float64(1) {
		t.Errorf("single-leaf root should equal the event hash: %v", root)
	}
	day, _ := root["day"].(string)
	if day != string(s.anchoring.Today()) {
		t.Errorf("day = %s", day)
	}

	w = s.do(t, http.MethodGet, "/api/v1/anchor/days/"+day, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("day root: expected 200, got %d", w.Code)
	}

	w = s.do(t, http.MethodGet, "/api/v1/anchor/days/"+day+"/proof/"+hash, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("proof: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if decode(t, w)["current"] != true {
		t.Errorf("proof should be current: %s", w.Body.String())
	}
}

func TestAnchor_badInput(t *testing.T) {
	s := setupRouter(t)

	w := s.do(t, http.MethodPost, "/api/v1/anchor/daily", map[string]any{"day": "yesterday"}, s.adminHeader(t))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad day: expected 400, got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/v1/anchor/days/2025-01-01", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("unanchored day: expected 404, got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/v1/anchor/days/2025-01-01/proof/nothex", nil, nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad hash: expected 400, got %d", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	s := setupRouter(t)
	w := s.do(t, http.MethodGet, "/healthz", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	gin.SetMode(gin.TestMode)
	checker := health.New(health.Config{}, zap.NewNop())
	checker.Register("redis", func(context.Context) error { return errors.New("down") })
	r := gin.New()
	handler.NewHealthHandler(checker).Register(r)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded: expected 503, got %d", w.Code)
	}
}

func TestRateLimiter_429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := gin.New()
	r.GET("/x", handler.RateLimiter(ctx, 1, 2), func(c *gin.Context) { c.Status(http.StatusOK) })

	var codes []int
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}
}

func TestRateLimiter_disabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", handler.RateLimiter(context.Background(), 0, 0), func(c *gin.Context) { c.Status(http.StatusOK) })
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i, w.Code)
		}
	}
}
