package webhooks_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/scantotrust/internal/identity"
	"github.com/jmerrifield20/scantotrust/internal/webhooks"
	"go.uber.org/zap"
)

func setupRouter(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	tokens, err := identity.NewAdminTokens([]byte("test-secret"), "scantotrust", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	tok, err := tokens.Issue("ops")
	if err != nil {
		t.Fatal(err)
	}
	svc := webhooks.NewService(webhooks.NewMemory(), zap.NewNop())
	t.Cleanup(svc.Close)

	r := gin.New()
	webhooks.NewHandler(svc, tokens, zap.NewNop()).Register(r.Group("/api/v1"))
	return r, "Bearer " + tok
}

func request(r http.Handler, method, path, auth string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_requiresAdmin(t *testing.T) {
	r, _ := setupRouter(t)
	if w := request(r, http.MethodGet, "/api/v1/webhooks", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHandler_lifecycle(t *testing.T) {
	r, auth := setupRouter(t)

	w := request(r, http.MethodPost, "/api/v1/webhooks", auth, map[string]any{
		"url": "https://example.com/hook", "events": []string{"custody.transferred"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body)
	}
	var created struct {
		Subscription webhooks.Subscription `json:"subscription"`
		Secret       string                `json:"secret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Secret == "" {
		t.Error("secret not returned on creation")
	}
	id := created.Subscription.ID.String()

	w = request(r, http.MethodGet, "/api/v1/webhooks", auth, nil)
	if w.Code != http.StatusOK || bytes.Contains(w.Body.Bytes(), []byte(created.Secret)) {
		t.Errorf("list: %d, secret leaked = %v", w.Code, bytes.Contains(w.Body.Bytes(), []byte(created.Secret)))
	}

	if w = request(r, http.MethodGet, "/api/v1/webhooks/"+id+"/deliveries", auth, nil); w.Code != http.StatusOK {
		t.Errorf("deliveries: %d", w.Code)
	}
	if w = request(r, http.MethodDelete, "/api/v1/webhooks/"+id, auth, nil); w.Code != http.StatusNoContent {
		t.Errorf("delete: %d", w.Code)
	}
	if w = request(r, http.MethodDelete, "/api/v1/webhooks/"+id, auth, nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete: %d", w.Code)
	}
}

func TestHandler_badInput(t *testing.T) {
	r, auth := setupRouter(t)
	cases := []struct {
		method, path string
		body         any
	}{
		{http.MethodPost, "/api/v1/webhooks", map[string]any{"url": "https://example.com"}},
		{http.MethodPost, "/api/v1/webhooks", map[string]any{"url": "https://example.com", "events": []string{"nope"}}},
		{http.MethodDelete, "/api/v1/webhooks/not-a-uuid", nil},
		{http.MethodGet, "/api/v1/webhooks/00000000-0000-0000-0000-000000000000/deliveries?limit=0", nil},
	}
	for _, tc := range cases {
		if w := request(r, tc.method, tc.path, auth, tc.body); w.Code != http.StatusBadRequest {
			t.Errorf("%s %s: status %d, want 400", tc.method, tc.path, w.Code)
		}
	}
}
