package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmerrifield20/scantotrust/internal/digest"
	"github.com/jmerrifield20/scantotrust/internal/merkle"
	"github.com/jmerrifield20/scantotrust/internal/provenance/model"
	"github.com/jmerrifield20/scantotrust/internal/provenance/repository"
	"go.uber.org/zap"
)

// DefaultAnchorTimeout bounds one external submission.
const DefaultAnchorTimeout = 2 * time.Minute

// Anchorer submits a day root to an external immutable ledger and returns an
// opaque reference to the submission. *anchor.Ethereum satisfies this.
type Anchorer interface {
	Anchor(ctx context.Context, root digest.Digest, day string) (string, error)
}

// InclusionProof shows that an event hash is one of a day's Merkle leaves.
type InclusionProof struct {
	Day       model.Day      `json:"day"`
	EventHash digest.Digest  `json:"event_hash"`
	Root      digest.Digest  `json:"root"`
	Proof     merkle.Proof   `json:"proof"`
	Leaves    int            `json:"leaves"`
	Stored    *model.DayRoot `json:"stored,omitempty"`
	// Current reports whether the stored root equals the root of the day's
	// current leaf set. False means events arrived after the last anchoring.
	Current bool `json:"current"`
}

// Anchoring aggregates each day's event hashes into a Merkle root and
// commits it externally.
type Anchoring struct {
	store    repository.Store
	anchorer Anchorer // nil = store roots without an external reference
	timeout  time.Duration
	clock    Clock
	loc      *time.Location
	record   func(outcome string) // nil = no recording
	notify   Notifier             // nil = no notifications
	logger   *zap.Logger
}

// NewAnchoring creates an Anchoring. anchorer may be nil.
func NewAnchoring(store repository.Store, anchorer Anchorer, logger *zap.Logger) *Anchoring {
	return &Anchoring{
		store:    store,
		anchorer: anchorer,
		timeout:  DefaultAnchorTimeout,
		clock:    SystemClock,
		loc:      time.Local,
		logger:   logger,
	}
}

// SetTimeout bounds each external submission.
func (a *Anchoring) SetTimeout(d time.Duration) {
	if d > 0 {
		a.timeout = d
	}
}

// SetClock replaces the wall clock.
func (a *Anchoring) SetClock(c Clock) { a.clock = c }

// SetLocation sets the time zone that defines calendar days.
func (a *Anchoring) SetLocation(loc *time.Location) { a.loc = loc }

// SetMetricsRecorder installs an observer for AnchorDay outcomes ("ok" or a
// model.ErrorCode).
func (a *Anchoring) SetMetricsRecorder(fn func(outcome string)) { a.record = fn }

// SetNotifier installs a receiver for stored day roots.
func (a *Anchoring) SetNotifier(n Notifier) { a.notify = n }

// Today returns the current calendar day in the anchoring time zone.
func (a *Anchoring) Today() model.Day { return model.DayOf(a.clock.Now(), a.loc) }

// AnchorDay computes the Merkle root over every event recorded on day, in
// insertion order, submits it to the external ledger when one is configured,
// and stores the result, replacing any earlier root for the day. If the
// submission fails nothing is stored and the call may be retried; an earlier
// submission for the same day is left orphaned externally. When the leaf set
// matches the stored root, that record is returned unchanged and nothing is
// submitted.
func (a *Anchoring) AnchorDay(ctx context.Context, day model.Day) (r *model.DayRoot, err error) {
	if a.record != nil {
		defer func() {
			outcome := "ok"
			if err != nil {
				outcome = model.ErrorCode(err)
			}
			a.record(outcome)
		}()
	}

	start, end, err := day.Bounds(a.loc)
	if err != nil {
		return nil, err
	}

	leaves, err := a.store.DayLeaves(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("select leaves for %s: %w", day, err)
	}
	root := merkle.Root(leaves)

	prev, err := a.store.DayRoot(ctx, day)
	switch {
	case errors.Is(err, model.ErrNotFound):
		prev = nil
	case err != nil:
		return nil, fmt.Errorf("stored root for %s: %w", day, err)
	}
	// An unchanged leaf set keeps the stored record as it is.
	if prev != nil && prev.Root == root && prev.Leaves == len(leaves) && (a.anchorer == nil || prev.TxRef != nil) {
		a.logger.Info("day unchanged since last anchoring",
			zap.String("day", string(day)),
			zap.String("root", root.Hex()),
		)
		return prev, nil
	}

	var ref *string
	if a.anchorer != nil {
		subCtx, cancel := context.WithTimeout(ctx, a.timeout)
		txRef, err := a.anchorer.Anchor(subCtx, root, string(day))
		cancel()
		if err != nil {
			a.logger.Error("external anchoring failed",
				zap.String("day", string(day)),
				zap.String("root", root.Hex()),
				zap.Error(err),
			)
			return nil, fmt.Errorf("%w: %s: %v", model.ErrExternalAnchor, day, err)
		}
		ref = &txRef
	}

	r = &model.DayRoot{
		Day:        day,
		Root:       root,
		Leaves:     len(leaves),
		TxRef:      ref,
		AnchoredAt: a.clock.Now(),
	}
	if err := a.store.UpsertDayRoot(ctx, r); err != nil {
		return nil, fmt.Errorf("store root for %s: %w", day, err)
	}

	fields := []zap.Field{
		zap.String("day", string(day)),
		zap.String("root", root.Hex()),
		zap.Int("leaves", len(leaves)),
	}
	if ref != nil {
		fields = append(fields, zap.String("tx_ref", *ref))
	}
	a.logger.Info("day anchored", fields...)
	if a.notify != nil {
		payload := map[string]string{
			"day":    string(day),
			"root":   root.Hex(),
			"leaves": strconv.Itoa(len(leaves)),
		}
		if ref != nil {
			payload["tx_ref"] = *ref
		}
		a.notify.Dispatch(ctx, model.NoticeDayAnchored, payload)
	}
	return r, nil
}

// DayRoot returns the stored root for day, or model.ErrNotFound.
func (a *Anchoring) DayRoot(ctx context.Context, day model.Day) (*model.DayRoot, error) {
	if _, err := model.ParseDay(string(day)); err != nil {
		return nil, err
	}
	return a.store.DayRoot(ctx, day)
}

// Proof builds an inclusion proof for eventHash against the day's current
// leaf set. It returns model.ErrNotFound when the hash was not recorded that
// day.
func (a *Anchoring) Proof(ctx context.Context, day model.Day, eventHash digest.Digest) (*InclusionProof, error) {
	start, end, err := day.Bounds(a.loc)
	if err != nil {
		return nil, err
	}
	leaves, err := a.store.DayLeaves(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("select leaves for %s: %w", day, err)
	}
	idx := merkle.IndexOf(leaves, eventHash)
	if idx < 0 {
		return nil, fmt.Errorf("event %s on %s: %w", eventHash, day, model.ErrNotFound)
	}
	proof, err := merkle.Prove(leaves, idx)
	if err != nil {
		return nil, err
	}

	p := &InclusionProof{
		Day:       day,
		EventHash: eventHash,
		Root:      merkle.Root(leaves),
		Proof:     proof,
		Leaves:    len(leaves),
	}
	stored, err := a.store.DayRoot(ctx, day)
	switch {
	case errors.Is(err, model.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("stored root for %s: %w", day, err)
	default:
		p.Stored = stored
		p.Current = stored.Root == p.Root
	}
	return p, nil
}
