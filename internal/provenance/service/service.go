// Package service holds the provenance tracker's business logic: the ledger
// of custody events, the transfer authorization protocol that gates who may
// append to it, and the daily Merkle anchoring of recorded events.
//
// Every mutation of a batch runs inside one repository.Store.InBatch unit, so
// token consumption and the custody event it authorizes commit together or
// not at all.
package service

import (
	"context"
	"time"

	"github.com/jmerrifield20/scantotrust/internal/provenance/model"
)

// Clock supplies the current time. Tests inject a fixed or stepping clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// TimelineCache is an optional read-through cache for batch timelines.
// *cache.Redis satisfies this interface.
type TimelineCache interface {
	// Get returns the cached timeline, or ok=false on a miss.
	Get(ctx context.Context, batchID string) (tl *model.Timeline, ok bool, err error)
	Set(ctx context.Context, tl *model.Timeline) error
	Invalidate(ctx context.Context, batchID string) error
}

// Notifier is told about changes after they commit. Delivery is the
// notifier's concern; Dispatch must not block the caller.
// *webhooks.Service satisfies this interface.
type Notifier interface {
	Dispatch(ctx context.Context, noticeType string, payload map[string]string)
}
