// Package scheduler runs the daily anchoring jobs.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jmerrifield20/scantotrust/internal/provenance/model"
	"go.uber.org/zap"
)

// DayAnchorer anchors one calendar day. *service.Anchoring satisfies this.
type DayAnchorer interface {
	AnchorDay(ctx context.Context, day model.Day) (*model.DayRoot, error)
	Today() model.Day
}

// Config controls when the jobs fire.
type Config struct {
	// At is the HH:MM time the current day is anchored.
	At string
	// CatchUpAt is the HH:MM time the previous day is re-anchored to pick up
	// events recorded after the evening run.
	CatchUpAt string
	Location  *time.Location
	// JobTimeout bounds a single run.
	JobTimeout time.Duration
}

// Scheduler owns a gocron scheduler with the two anchoring jobs.
type Scheduler struct {
	s       gocron.Scheduler
	anchor  DayAnchorer
	timeout time.Duration
	logger  *zap.Logger
	ctx     context.Context
}

// New builds the scheduler and registers its jobs. Jobs start with Run.
func New(anchor DayAnchorer, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if cfg.At == "" {
		cfg.At = "23:55"
	}
	if cfg.CatchUpAt == "" {
		cfg.CatchUpAt = "00:05"
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}

	at, err := ParseClock(cfg.At)
	if err != nil {
		return nil, fmt.Errorf("anchor schedule: %w", err)
	}
	catchUp, err := ParseClock(cfg.CatchUpAt)
	if err != nil {
		return nil, fmt.Errorf("catch-up schedule: %w", err)
	}

	s, err := gocron.NewScheduler(gocron.WithLocation(cfg.Location))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	sch := &Scheduler{
		s:       s,
		anchor:  anchor,
		timeout: cfg.JobTimeout,
		logger:  logger,
		ctx:     context.Background(),
	}

	jobs := []struct {
		name string
		at   gocron.AtTime
		run  func(context.Context) error
	}{
		{"anchor-today", at, sch.AnchorToday},
		{"anchor-yesterday", catchUp, sch.AnchorYesterday},
	}
	for _, j := range jobs {
		j := j
		_, err := s.NewJob(
			gocron.DailyJob(1, gocron.NewAtTimes(j.at)),
			gocron.NewTask(func() {
				if err := j.run(sch.ctx); err != nil {
					logger.Error("scheduled anchoring failed", zap.String("job", j.name), zap.Error(err))
				}
			}),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = s.Shutdown()
			return nil, fmt.Errorf("register %s: %w", j.name, err)
		}
	}
	return sch, nil
}

// Run starts the jobs and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.s.Start()
	for _, j := range s.s.Jobs() {
		next, _ := j.NextRun()
		s.logger.Info("anchoring job scheduled", zap.String("job", j.Name()), zap.Time("next_run", next))
	}
	<-ctx.Done()
	if err := s.s.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown: %w", err)
	}
	return nil
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	var names []string
	for _, j := range s.s.Jobs() {
		names = append(names, j.Name())
	}
	return names
}

// AnchorToday anchors the current day.
func (s *Scheduler) AnchorToday(ctx context.Context) error {
	return s.anchorDay(ctx, s.anchor.Today())
}

// AnchorYesterday re-anchors the previous day.
func (s *Scheduler) AnchorYesterday(ctx context.Context) error {
	return s.anchorDay(ctx, s.anchor.Today().Prev())
}

func (s *Scheduler) anchorDay(ctx context.Context, day model.Day) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	r, err := s.anchor.AnchorDay(ctx, day)
	if err != nil {
		return err
	}
	s.logger.Info("scheduled anchoring done",
		zap.String("day", string(day)),
		zap.String("root", r.Root.Hex()),
		zap.Int("leaves", r.Leaves),
	)
	return nil
}

// ParseClock parses an HH:MM wall-clock time.
func ParseClock(s string) (gocron.AtTime, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return nil, fmt.Errorf("time must be HH:MM, got %q", s)
	}
	h, err := strconv.ParseUint(hh, 10, 8)
	if err != nil || h > 23 {
		return nil, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.ParseUint(mm, 10, 8)
	if err != nil || m > 59 {
		return nil, fmt.Errorf("invalid minute in %q", s)
	}
	return gocron.NewAtTime(uint(h), uint(m), 0), nil
}
