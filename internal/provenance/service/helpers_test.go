package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/scantotrust/internal/credential"
	"github.com/jmerrifield20/scantotrust/internal/provenance/model"
	"github.com/jmerrifield20/scantotrust/internal/provenance/repository"
	"github.com/jmerrifield20/scantotrust/internal/provenance/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ctx = context.Background()

// t0 is 10:00 UTC on 2025-03-04.
var t0 = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

// fakeClock returns now and advances by step on every call.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.now
	c.now = c.now.Add(c.step)
	return n
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// seqCodes hands out CODE01, CODE02, ...
type seqCodes struct {
	mu sync.Mutex
	n  int
}

func (g *seqCodes) NewCode() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("CODE%02d", g.n), nil
}

type fixture struct {
	store     *repository.Memory
	clock     *fakeClock
	ledger    *service.Ledger
	transfers *service.Transfers
	anchoring *service.Anchoring
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, credential.Plain{})
}

func newFixtureWith(t *testing.T, cred credential.Credential) *fixture {
	t.Helper()
	store := repository.NewMemory()
	clock := &fakeClock{now: t0, step: time.Second}

	ledger := service.NewLedger(store, cred, zap.NewNop())
	ledger.SetClock(clock)
	ledger.SetLocation(time.UTC)

	anchoring := service.NewAnchoring(store, nil, zap.NewNop())
	anchoring.SetClock(clock)
	anchoring.SetLocation(time.UTC)

	return &fixture{
		store:     store,
		clock:     clock,
		ledger:    ledger,
		transfers: service.NewTransfers(ledger, &seqCodes{}, zap.NewNop()),
		anchoring: anchoring,
	}
}

// createB1 registers batch B1 owned by U1 with code C1.
func (f *fixture) createB1(t *testing.T) *model.Event {
	t.Helper()
	ev, err := f.ledger.CreateBatch(ctx, service.CreateBatchInput{
		BatchID:     "B1",
		ProductName: "Widget",
		Price:       decimal.NewNullDecimal(decimal.RequireFromString("10.00")),
		Location:    "Farm",
		Owner:       service.OwnerInput{ID: "U1", Code: "C1", Name: "Fahim"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func (f *fixture) authorize(t *testing.T, in service.AuthorizeInput) *model.TransferToken {
	t.Helper()
	tok, err := f.transfers.Authorize(ctx, in)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	return tok
}

func (f *fixture) tokenStates(t *testing.T, batchID string) []model.TokenState {
	t.Helper()
	toks, err := f.store.Tokens(ctx, batchID)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]model.TokenState, len(toks))
	for i, tok := range toks {
		out[i] = tok.State()
	}
	return out
}

func strPtr(s string) *string { return &s }
