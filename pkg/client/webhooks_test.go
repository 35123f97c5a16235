package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/scantotrust/internal/credential"
	"github.com/jmerrifield20/scantotrust/internal/identity"
	"github.com/jmerrifield20/scantotrust/internal/provenance/handler"
	"github.com/jmerrifield20/scantotrust/internal/provenance/repository"
	"github.com/jmerrifield20/scantotrust/internal/provenance/service"
	"github.com/jmerrifield20/scantotrust/internal/webhooks"
	"github.com/jmerrifield20/scantotrust/pkg/client"
	"go.uber.org/zap"
)

func TestWebhooks_endToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var (
		mu    sync.Mutex
		types []string
	)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		types = append(types, r.Header.Get(webhooks.HeaderEvent))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	whSvc := webhooks.NewService(webhooks.NewMemory(), zap.NewNop())
	defer whSvc.Close()

	store := repository.NewMemory()
	ledger := service.NewLedger(store, credential.Plain{}, zap.NewNop())
	ledger.SetNotifier(whSvc)
	tokens, err := identity.NewAdminTokens([]byte("client-test"), "tracker", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	v1 := r.Group("/api/v1")
	handler.NewBatchHandler(ledger, tokens, zap.NewNop()).Register(v1)
	webhooks.NewHandler(whSvc, tokens, zap.NewNop()).Register(v1)
	srv := httptest.NewServer(r)
	defer srv.Close()

	tok, _ := tokens.Issue("ops")
	admin := client.MustNew(srv.URL, client.WithBearerToken(tok))
	ctx := context.Background()

	created, err := admin.CreateWebhook(ctx, sink.URL, []string{"batch.created", "batch.purged"})
	if err != nil {
		t.Fatalf("CreateWebhook: %v", err)
	}
	if created.Secret == "" || created.Subscription.ID == "" {
		t.Errorf("created = %+v", created)
	}

	createLot(t, admin)
	if err := admin.DeleteBatch(ctx, "LOT-1"); err != nil {
		t.Fatal(err)
	}
	whSvc.Wait()

	mu.Lock()
	got := append([]string(nil), types...)
	mu.Unlock()
	// Deliveries run concurrently, so arrival order is not fixed.
	sort.Strings(got)
	if len(got) != 2 || got[0] != "batch.created" || got[1] != "batch.purged" {
		t.Errorf("delivered = %v", got)
	}

	hooks, err := admin.Webhooks(ctx)
	if err != nil || len(hooks) != 1 {
		t.Fatalf("Webhooks = %v, %v", hooks, err)
	}
	ds, err := admin.WebhookDeliveries(ctx, created.Subscription.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 2 || !ds[0].Success {
		t.Errorf("deliveries = %+v", ds)
	}

	if err := admin.DeleteWebhook(ctx, created.Subscription.ID); err != nil {
		t.Fatal(err)
	}
	if err := admin.DeleteWebhook(ctx, created.Subscription.ID); !client.IsCode(err, "not_found") {
		t.Errorf("second delete: %v", err)
	}
}
