package webhooks_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmerrifield20/scantotrust/internal/provenance/model"
	"github.com/jmerrifield20/scantotrust/internal/webhooks"
	"go.uber.org/zap"
)

var ctx = context.Background()

// receiver is a subscriber endpoint that fails the first failN requests.
type receiver struct {
	mu     sync.Mutex
	bodies [][]byte
	sigs   []string
	types  []string
	failN  int32
	calls  int32
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	n := atomic.AddInt32(&r.calls, 1)
	body, _ := io.ReadAll(req.Body)
	if n <= r.failN {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	r.mu.Lock()
	r.bodies = append(r.bodies, body)
	r.sigs = append(r.sigs, req.Header.Get(webhooks.HeaderSignature))
	r.types = append(r.types, req.Header.Get(webhooks.HeaderEvent))
	r.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func newService(t *testing.T) (*webhooks.Service, *webhooks.Memory) {
	t.Helper()
	store := webhooks.NewMemory()
	svc := webhooks.NewService(store, zap.NewNop())
	svc.SetRetryDelays([]time.Duration{time.Millisecond, time.Millisecond})
	t.Cleanup(svc.Close)
	return svc, store
}

func TestSubscribe_validation(t *testing.T) {
	svc, _ := newService(t)
	cases := map[string]webhooks.CreateSubscriptionRequest{
		"relative url":  {URL: "/hook", Events: []string{model.NoticeBatchCreated}},
		"ftp url":       {URL: "ftp://example.com/hook", Events: []string{model.NoticeBatchCreated}},
		"no events":     {URL: "https://example.com/hook"},
		"unknown event": {URL: "https://example.com/hook", Events: []string{"batch.updated"}},
	}
	for name, req := range cases {
		req := req
		if _, err := svc.Subscribe(ctx, &req); !errors.Is(err, model.ErrInvalidInput) {
			t.Errorf("%s: got %v, want ErrInvalidInput", name, err)
		}
	}

	sub, err := svc.Subscribe(ctx, &webhooks.CreateSubscriptionRequest{
		URL:    "https://example.com/hook",
		Events: []string{model.NoticeBatchCreated, model.NoticeBatchCreated, model.NoticeDayAnchored},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(sub.Events) != 2 || sub.Secret == "" || !sub.Active {
		t.Errorf("subscription = %+v", sub)
	}
}

func TestDispatch_signedDelivery(t *testing.T) {
	svc, _ := newService(t)
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	sub, err := svc.Subscribe(ctx, &webhooks.CreateSubscriptionRequest{
		URL: srv.URL, Events: []string{model.NoticeCustodyTransferred},
	})
	if err != nil {
		t.Fatal(err)
	}

	svc.Dispatch(ctx, model.NoticeBatchCreated, map[string]string{"batch_id": "B1"})
	svc.Dispatch(ctx, model.NoticeCustodyTransferred, map[string]string{"batch_id": "B1", "role": "manufacturer"})
	svc.Wait()

	if len(rcv.bodies) != 1 {
		t.Fatalf("deliveries = %d, want 1 (only the subscribed type)", len(rcv.bodies))
	}
	if rcv.sigs[0] != webhooks.Sign(rcv.bodies[0], sub.Secret) {
		t.Error("signature does not match body")
	}
	if rcv.types[0] != model.NoticeCustodyTransferred {
		t.Errorf("event header = %q", rcv.types[0])
	}
	var ev webhooks.Event
	if err := json.Unmarshal(rcv.bodies[0], &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != model.NoticeCustodyTransferred || ev.Payload["role"] != "manufacturer" {
		t.Errorf("event = %+v", ev)
	}
}

func TestDispatch_retriesThenRecords(t *testing.T) {
	svc, _ := newService(t)
	var outcomes []bool
	var mu sync.Mutex
	svc.SetMetricsRecorder(func(ok bool) {
		mu.Lock()
		outcomes = append(outcomes, ok)
		mu.Unlock()
	})
	rcv := &receiver{failN: 2}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	sub, err := svc.Subscribe(ctx, &webhooks.CreateSubscriptionRequest{
		URL: srv.URL, Events: []string{model.NoticeDayAnchored},
	})
	if err != nil {
		t.Fatal(err)
	}
	svc.Dispatch(ctx, model.NoticeDayAnchored, map[string]string{"day": "2025-03-04"})
	svc.Wait()

	if got := atomic.LoadInt32(&rcv.calls); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	ds, err := svc.Deliveries(ctx, sub.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 3 {
		t.Fatalf("recorded deliveries = %d, want 3", len(ds))
	}
	if !ds[0].Success || ds[0].Attempt != 3 || ds[2].Success || ds[2].StatusCode != http.StatusInternalServerError {
		t.Errorf("deliveries (newest first) = %+v %+v %+v", ds[0], ds[1], ds[2])
	}
	if len(outcomes) != 3 || outcomes[0] || !outcomes[2] {
		t.Errorf("metric outcomes = %v", outcomes)
	}
}

func TestDispatch_givesUpAfterLastAttempt(t *testing.T) {
	svc, _ := newService(t)
	rcv := &receiver{failN: 100}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	if _, err := svc.Subscribe(ctx, &webhooks.CreateSubscriptionRequest{
		URL: srv.URL, Events: []string{model.NoticeBatchPurged},
	}); err != nil {
		t.Fatal(err)
	}
	svc.Dispatch(ctx, model.NoticeBatchPurged, map[string]string{"batch_id": "B1"})
	svc.Wait()

	if got := atomic.LoadInt32(&rcv.calls); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	svc, store := newService(t)
	sub, err := svc.Subscribe(ctx, &webhooks.CreateSubscriptionRequest{
		URL: "https://example.com/hook", Events: []string{model.NoticeBatchCreated},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Unsubscribe(ctx, sub.ID); err != nil {
		t.Fatal(err)
	}
	if err := svc.Unsubscribe(ctx, sub.ID); !errors.Is(err, webhooks.ErrNotFound) {
		t.Errorf("second unsubscribe: %v", err)
	}
	if subs, _ := store.ListByEvent(ctx, model.NoticeBatchCreated); len(subs) != 0 {
		t.Errorf("subscribers after delete = %d", len(subs))
	}
}
