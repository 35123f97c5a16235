package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestCheck_allHealthy(t *testing.T) {
	h := New(Config{}, zap.NewNop())
	h.Register("postgres", func(context.Context) error { return nil })
	h.Register("redis", func(context.Context) error { return nil })

	r := h.Check(context.Background())
	if !r.Healthy() {
		t.Fatalf("expected ok, got %+v", r)
	}
	if r.Checks["postgres"] != StatusOK || r.Checks["redis"] != StatusOK {
		t.Errorf("checks = %v", r.Checks)
	}
}

func TestCheck_degradedOnFailure(t *testing.T) {
	h := New(Config{}, zap.NewNop())
	h.Register("postgres", func(context.Context) error { return nil })
	h.Register("redis", func(context.Context) error { return errors.New("connection refused") })

	r := h.Check(context.Background())
	if r.Status != StatusDegraded {
		t.Errorf("status = %s, want degraded", r.Status)
	}
	if r.Checks["redis"] != "connection refused" {
		t.Errorf("redis check = %q", r.Checks["redis"])
	}
}

func TestCheck_probeTimeout(t *testing.T) {
	h := New(Config{ProbeTimeout: 20 * time.Millisecond}, zap.NewNop())
	h.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	r := h.Check(context.Background())
	if r.Healthy() {
		t.Error("slow probe should fail")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("probe timeout not applied")
	}
}

func TestCheck_metricsCallback(t *testing.T) {
	h := New(Config{}, zap.NewNop())
	var got []bool
	h.SetMetricsRecord(func(ok bool) { got = append(got, ok) })

	h.Check(context.Background())
	h.Register("down", func(context.Context) error { return errors.New("down") })
	h.Check(context.Background())

	if len(got) != 2 || !got[0] || got[1] {
		t.Errorf("recorded %v, want [true false]", got)
	}
}
