package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmerrifield20/scantotrust/internal/cache"
	"github.com/jmerrifield20/scantotrust/internal/digest"
	"github.com/jmerrifield20/scantotrust/internal/provenance/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func sampleTimeline() *model.Timeline {
	code := "sealed"
	doc := digest.Sum([]byte("invoice"))
	ev := &model.Event{
		Seq:        7,
		BatchID:    "B1",
		Role:       model.RoleManufacturer,
		Location:   "Factory",
		DocHash:    &doc,
		OccurredAt: time.Date(2025, 3, 4, 5, 6, 7, 89_000_000, time.UTC),
		RecordedAt: time.Date(2025, 3, 4, 5, 6, 8, 0, time.UTC),
		Actor: model.Actor{
			ID:    "U2",
			Name:  "Mills Ltd",
			Price: decimal.NewNullDecimal(decimal.RequireFromString("12.50")),
		},
	}
	ev.Hash = ev.ComputeHash()
	return &model.Timeline{
		Batch: &model.Batch{
			ID:          "B1",
			ProductName: "Rice",
			Price:       decimal.RequireFromString("12.5"),
			Owner:       model.Owner{ID: "U2", Role: model.RoleManufacturer, Code: &code},
		},
		Events:      []*model.Event{ev},
		AnchoredDay: "2025-03-04",
	}
}

func TestEncodeDecode_preservesEventHashes(t *testing.T) {
	tl := sampleTimeline()
	data, err := cache.Encode(tl)
	if err != nil {
		t.Fatal(err)
	}
	got, err := cache.Decode(data)
	if err != nil {
		t.Fatal(err)
	}

	if got.Batch.Owner.Code != nil {
		t.Error("owner code must never be cached")
	}
	if got.AnchoredDay != "" || got.Anchor != nil {
		t.Error("anchoring status must not be cached")
	}
	ev := got.Events[0]
	if ev.Hash != tl.Events[0].Hash {
		t.Errorf("hash = %s, want %s", ev.Hash, tl.Events[0].Hash)
	}
	// Decoded fields must still hash to the stored value.
	if ev.ComputeHash() != ev.Hash {
		t.Error("decoded event no longer hashes to its stored hash")
	}
}

func TestEncode_requiresBatch(t *testing.T) {
	if _, err := cache.Encode(&model.Timeline{}); err == nil {
		t.Error("expected error for timeline without batch")
	}
}

func TestDecode_rejectsGarbage(t *testing.T) {
	if _, err := cache.Decode([]byte("{not json")); err == nil {
		t.Error("expected decode error")
	}
	if _, err := cache.Decode([]byte(`{"events":[]}`)); err == nil {
		t.Error("expected error for missing batch")
	}
}

func TestKey(t *testing.T) {
	if got := cache.Key("B1"); got != "tracker:timeline:B1" {
		t.Errorf("Key = %q", got)
	}
}

func TestRedis_unreachableServerSurfacesErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	c := cache.New(client, time.Minute, zap.NewNop())
	defer c.Close()

	ctx := context.Background()
	if _, _, err := c.Get(ctx, "B1"); err == nil {
		t.Error("expected Get error against unreachable server")
	}
	if err := c.Set(ctx, sampleTimeline()); err == nil {
		t.Error("expected Set error against unreachable server")
	}
}
