// Package health probes the tracker's dependencies (database, cache, anchor
// node) for the readiness endpoint.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Probe checks one dependency and returns nil when it is usable.
type Probe func(ctx context.Context) error

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(success bool)

// Config holds health check configuration.
type Config struct {
	ProbeTimeout time.Duration
}

// Status values reported by Check.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Report is the outcome of one Check.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Healthy reports whether every probe passed.
func (r Report) Healthy() bool { return r.Status == StatusOK }

type namedProbe struct {
	name  string
	probe Probe
}

// Checker runs registered probes concurrently.
type Checker struct {
	mu        sync.RWMutex
	probes    []namedProbe
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a Checker.
func New(cfg Config, logger *zap.Logger) *Checker {
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	return &Checker{cfg: cfg, logger: logger}
}

// Register adds a named probe.
func (h *Checker) Register(name string, p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, namedProbe{name: name, probe: p})
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Check runs every probe under the probe timeout.
func (h *Checker) Check(ctx context.Context) Report {
	h.mu.RLock()
	probes := append([]namedProbe(nil), h.probes...)
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()

	results := make([]string, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		i, p := i, p
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.probe(ctx); err != nil {
				h.logger.Warn("health: probe failed", zap.String("probe", p.name), zap.Error(err))
				results[i] = err.Error()
				return
			}
			results[i] = StatusOK
		}()
	}
	wg.Wait()

	r := Report{Status: StatusOK, Checks: make(map[string]string, len(probes))}
	for i, p := range probes {
		r.Checks[p.name] = results[i]
		if results[i] != StatusOK {
			r.Status = StatusDegraded
		}
	}
	if h.onMetrics != nil {
		h.onMetrics(r.Healthy())
	}
	return r
}
