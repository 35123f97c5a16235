package service_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/jmerrifield20/scantotrust/internal/digest"
	"github.com/jmerrifield20/scantotrust/internal/merkle"
	"github.com/jmerrifield20/scantotrust/internal/provenance/model"
	"github.com/jmerrifield20/scantotrust/internal/provenance/service"
	"go.uber.org/zap"
)

// stubAnchorer records submissions and returns tx-0, tx-1, ...
type stubAnchorer struct {
	calls []string
	err   error
	block bool
}

func (a *stubAnchorer) Anchor(ctx context.Context, root digest.Digest, day string) (string, error) {
	if a.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if a.err != nil {
		return "", a.err
	}
	a.calls = append(a.calls, day+"/"+root.Hex())
	return fmt.Sprintf("tx-%d", len(a.calls)-1), nil
}

func (f *fixture) withAnchorer(a service.Anchorer) {
	f.anchoring = service.NewAnchoring(f.store, a, zap.NewNop())
	f.anchoring.SetClock(f.clock)
	f.anchoring.SetLocation(time.UTC)
}

// handOff moves B1 one step down the chain.
func (f *fixture) handOff(t *testing.T, from, fromCode string, role model.Role, to string) {
	t.Helper()
	tok := f.authorize(t, service.AuthorizeInput{
		BatchID: "B1", OwnerID: from, OwnerCode: fromCode,
		NextRole: role, NextOwnerID: to,
	})
	if _, err := f.transfers.Consume(ctx, service.ConsumeInput{
		BatchID: "B1", Role: role, Code: tok.Code, Actor: model.Actor{ID: to},
	}); err != nil {
		t.Fatal(err)
	}
}

func TestAnchorDay_idempotentThenOverwrite(t *testing.T) {
	f := newFixture(t)
	f.createB1(t)

	first, err := f.anchoring.AnchorDay(ctx, "2025-03-04")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.anchoring.AnchorDay(ctx, "2025-03-04")
	if err != nil {
		t.Fatal(err)
	}
	stored, err := f.anchoring.DayRoot(ctx, "2025-03-04")
	if err != nil {
		t.Fatal(err)
	}
	if first.Leaves != 1 || !reflect.DeepEqual(second, first) || !reflect.DeepEqual(stored, first) {
		t.Errorf("re-anchoring without new events changed the record:\nfirst  %+v\nsecond %+v\nstored %+v", first, second, stored)
	}

	f.handOff(t, "U1", "C1", model.RoleManufacturer, "U2")

	third, err := f.anchoring.AnchorDay(ctx, "2025-03-04")
	if err != nil {
		t.Fatal(err)
	}
	if third.Root == first.Root || third.Leaves != 2 {
		t.Errorf("new event should change the root: %+v", third)
	}
	stored, err = f.anchoring.DayRoot(ctx, "2025-03-04")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Root != third.Root || !stored.AnchoredAt.After(first.AnchoredAt) {
		t.Errorf("stored root was not overwritten: %+v", stored)
	}

	tl, _ := f.ledger.Timeline(ctx, "B1")
	want := merkle.Root([]digest.Digest{tl.Events[0].Hash, tl.Events[1].Hash})
	if stored.Root != want {
		t.Errorf("root %s, want %s", stored.Root, want)
	}
}

func TestAnchorDay_emptyDay(t *testing.T) {
	f := newFixture(t)
	r, err := f.anchoring.AnchorDay(ctx, "2025-01-01")
	if err != nil {
		t.Fatal(err)
	}
	if !r.Root.IsZero() || r.Leaves != 0 {
		t.Errorf("empty day root = %+v", r)
	}
}

func TestAnchorDay_onlyThatDaysEventsInOrder(t *testing.T) {
	f := newFixture(t)
	f.createB1(t)
	if _, err := f.ledger.CreateBatch(ctx, service.CreateBatchInput{
		BatchID: "B2", Owner: service.OwnerInput{ID: "U5", Code: "C5"},
	}); err != nil {
		t.Fatal(err)
	}
	f.clock.Set(t0.AddDate(0, 0, 1))
	if _, err := f.ledger.CreateBatch(ctx, service.CreateBatchInput{
		BatchID: "B3", Owner: service.OwnerInput{ID: "U6", Code: "C6"},
	}); err != nil {
		t.Fatal(err)
	}

	r, err := f.anchoring.AnchorDay(ctx, "2025-03-04")
	if err != nil {
		t.Fatal(err)
	}
	tl1, _ := f.ledger.Timeline(ctx, "B1")
	tl2, _ := f.ledger.Timeline(ctx, "B2")
	want := merkle.Root([]digest.Digest{tl1.Events[0].Hash, tl2.Events[0].Hash})
	if r.Root != want || r.Leaves != 2 {
		t.Errorf("root = %+v, want %s over 2 leaves", r, want)
	}
}

func TestAnchorDay_externalReference(t *testing.T) {
	f := newFixture(t)
	a := &stubAnchorer{}
	f.withAnchorer(a)
	f.createB1(t)

	r, err := f.anchoring.AnchorDay(ctx, "2025-03-04")
	if err != nil {
		t.Fatal(err)
	}
	if r.TxRef == nil || *r.TxRef != "tx-0" {
		t.Errorf("tx ref = %v, want tx-0", r.TxRef)
	}
	if len(a.calls) != 1 || a.calls[0] != "2025-03-04/"+r.Root.Hex() {
		t.Errorf("submissions = %v", a.calls)
	}
}

func TestAnchorDay_unchangedDayNotResubmitted(t *testing.T) {
	f := newFixture(t)
	a := &stubAnchorer{}
	f.withAnchorer(a)
	f.createB1(t)

	first, err := f.anchoring.AnchorDay(ctx, "2025-03-04")
	if err != nil {
		t.Fatal(err)
	}
	again, err := f.anchoring.AnchorDay(ctx, "2025-03-04")
	if err != nil {
		t.Fatal(err)
	}
	if len(a.calls) != 1 {
		t.Errorf("submissions = %v, want one", a.calls)
	}
	if !reflect.DeepEqual(again, first) {
		t.Errorf("re-run returned %+v, want %+v", again, first)
	}
}

func TestAnchorDay_unsubmittedRootGetsSubmitted(t *testing.T) {
	f := newFixture(t)
	f.createB1(t)
	local, err := f.anchoring.AnchorDay(ctx, "2025-03-04")
	if err != nil {
		t.Fatal(err)
	}

	a := &stubAnchorer{}
	f.withAnchorer(a)
	r, err := f.anchoring.AnchorDay(ctx, "2025-03-04")
	if err != nil {
		t.Fatal(err)
	}
	if len(a.calls) != 1 || r.TxRef == nil || *r.TxRef != "tx-0" {
		t.Errorf("submissions = %v, tx ref = %v", a.calls, r.TxRef)
	}
	if r.Root != local.Root {
		t.Errorf("root changed: %s vs %s", r.Root, local.Root)
	}
}

func TestAnchorDay_noAnchorerStoresNullReference(t *testing.T) {
	f := newFixture(t)
	f.createB1(t)

	r, err := f.anchoring.AnchorDay(ctx, "2025-03-04")
	if err != nil {
		t.Fatal(err)
	}
	if r.TxRef != nil {
		t.Errorf("tx ref = %v, want nil", *r.TxRef)
	}
}

func TestAnchorDay_failurePersistsNothing(t *testing.T) {
	f := newFixture(t)
	f.withAnchorer(&stubAnchorer{err: errors.New("rpc unreachable")})
	f.createB1(t)

	if _, err := f.anchoring.AnchorDay(ctx, "2025-03-04"); !errors.Is(err, model.ErrExternalAnchor) {
		t.Fatalf("got %v, want ErrExternalAnchor", err)
	}
	if _, err := f.anchoring.DayRoot(ctx, "2025-03-04"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("failed anchoring stored a root: %v", err)
	}
}

func TestAnchorDay_failureKeepsPreviousRoot(t *testing.T) {
	f := newFixture(t)
	f.createB1(t)
	prev, err := f.anchoring.AnchorDay(ctx, "2025-03-04")
	if err != nil {
		t.Fatal(err)
	}

	f.handOff(t, "U1", "C1", model.RoleManufacturer, "U2")
	f.withAnchorer(&stubAnchorer{err: errors.New("rejected")})
	if _, err := f.anchoring.AnchorDay(ctx, "2025-03-04"); !errors.Is(err, model.ErrExternalAnchor) {
		t.Fatalf("got %v, want ErrExternalAnchor", err)
	}
	stored, _ := f.anchoring.DayRoot(ctx, "2025-03-04")
	if stored.Root != prev.Root {
		t.Error("failed anchoring overwrote the stored root")
	}
}

func TestAnchorDay_timeout(t *testing.T) {
	f := newFixture(t)
	f.withAnchorer(&stubAnchorer{block: true})
	f.anchoring.SetTimeout(20 * time.Millisecond)
	f.createB1(t)

	start := time.Now()
	_, err := f.anchoring.AnchorDay(ctx, "2025-03-04")
	if !errors.Is(err, model.ErrExternalAnchor) {
		t.Fatalf("got %v, want ErrExternalAnchor", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("submission not bounded: took %s", elapsed)
	}
}

func TestAnchorDay_invalidDay(t *testing.T) {
	f := newFixture(t)
	if _, err := f.anchoring.AnchorDay(ctx, "03/04/2025"); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("got %v, want ErrInvalidInput", err)
	}
}

func TestAnchorDay_timeZoneDefinesDay(t *testing.T) {
	f := newFixture(t)
	// 10:00 UTC is 16:00 in UTC+6: still 2025-03-04. 20:00 UTC is 02:00 next day.
	f.createB1(t)
	f.clock.Set(time.Date(2025, 3, 4, 20, 0, 0, 0, time.UTC))
	if _, err := f.ledger.CreateBatch(ctx, service.CreateBatchInput{
		BatchID: "B2", Owner: service.OwnerInput{ID: "U5", Code: "C5"},
	}); err != nil {
		t.Fatal(err)
	}

	f.anchoring.SetLocation(time.FixedZone("UTC+6", 6*60*60))
	r4, _ := f.anchoring.AnchorDay(ctx, "2025-03-04")
	r5, _ := f.anchoring.AnchorDay(ctx, "2025-03-05")
	if r4.Leaves != 1 || r5.Leaves != 1 {
		t.Errorf("leaves = %d/%d, want 1/1", r4.Leaves, r5.Leaves)
	}
}

func TestProof(t *testing.T) {
	f := newFixture(t)
	f.createB1(t)
	f.handOff(t, "U1", "C1", model.RoleManufacturer, "U2")
	f.handOff(t, "U2", "M2", model.RoleDistributor, "U3")

	if _, err := f.anchoring.AnchorDay(ctx, "2025-03-04"); err != nil {
		t.Fatal(err)
	}
	tl, _ := f.ledger.Timeline(ctx, "B1")

	for i, ev := range tl.Events {
		p, err := f.anchoring.Proof(ctx, "2025-03-04", ev.Hash)
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if p.Leaves != 3 || p.Proof.Index != i {
			t.Errorf("event %d: proof = %+v", i, p)
		}
		if !p.Current || p.Stored == nil {
			t.Errorf("event %d: proof should match the stored root", i)
		}
		if !merkle.Verify(ev.Hash, p.Proof, p.Stored.Root) {
			t.Errorf("event %d: proof does not verify", i)
		}
	}

	if _, err := f.anchoring.Proof(ctx, "2025-03-04", digest.Sum([]byte("absent"))); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("absent hash: got %v, want ErrNotFound", err)
	}
}

func TestProof_staleAfterNewEvent(t *testing.T) {
	f := newFixture(t)
	f.createB1(t)
	if _, err := f.anchoring.AnchorDay(ctx, "2025-03-04"); err != nil {
		t.Fatal(err)
	}
	f.handOff(t, "U1", "C1", model.RoleManufacturer, "U2")

	tl, _ := f.ledger.Timeline(ctx, "B1")
	p, err := f.anchoring.Proof(ctx, "2025-03-04", tl.Events[1].Hash)
	if err != nil {
		t.Fatal(err)
	}
	if p.Current {
		t.Error("stored root predates the event; proof should not be current")
	}
}
