package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmerrifield20/scantotrust/internal/credential"
	"github.com/jmerrifield20/scantotrust/internal/digest"
	"github.com/jmerrifield20/scantotrust/internal/provenance/model"
	"github.com/jmerrifield20/scantotrust/internal/provenance/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// defaultProductName is stored when a batch is registered without a name.
const defaultProductName = "Unknown"

// Document references an attachment for an event. At most one of Text and
// Hash may be set: Text is hashed here, Hash is a digest the caller already
// computed from the attachment bytes.
type Document struct {
	Text *string
	Hash *digest.Digest
}

func (d Document) digest() (*digest.Digest, error) {
	switch {
	case d.Text != nil && d.Hash != nil:
		return nil, fmt.Errorf("%w: supply document text or document hash, not both", model.ErrInvalidInput)
	case d.Hash != nil:
		h := *d.Hash
		return &h, nil
	case d.Text != nil && *d.Text != "":
		h := digest.Sum([]byte(*d.Text))
		return &h, nil
	default:
		return nil, nil
	}
}

// OwnerInput is the producer registering a new batch.
type OwnerInput struct {
	ID      string
	Code    string
	Name    string
	Company string
	Phone   string
}

// CreateBatchInput is the input for Ledger.CreateBatch.
type CreateBatchInput struct {
	BatchID     string
	ProductName string
	Price       decimal.NullDecimal
	Location    string
	Owner       OwnerInput
	Document    Document
	// OccurredAt defaults to the current time.
	OccurredAt *time.Time
}

// custodyInput describes one authorized custody step.
type custodyInput struct {
	BatchID    string
	Role       model.Role
	Actor      model.Actor
	Location   string
	Document   Document
	OccurredAt *time.Time
}

// Verification is the result of recomputing every stored event hash of a batch.
type Verification struct {
	BatchID  string        `json:"batch_id"`
	Events   int           `json:"events"`
	Valid    bool          `json:"valid"`
	Mismatch *HashMismatch `json:"mismatch,omitempty"`
}

// HashMismatch identifies the first event whose stored hash differs from the
// hash of its own fields.
type HashMismatch struct {
	Seq      int64         `json:"seq"`
	Stored   digest.Digest `json:"stored"`
	Computed digest.Digest `json:"computed"`
}

// Ledger records batches and their custody events.
type Ledger struct {
	store  repository.Store
	cred   credential.Credential
	cache  TimelineCache // nil = no caching
	notify Notifier      // nil = no notifications
	clock  Clock
	loc    *time.Location
	logger *zap.Logger
}

// NewLedger creates a Ledger. Owner codes are sealed with cred before storage.
func NewLedger(store repository.Store, cred credential.Credential, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		cred:   cred,
		clock:  SystemClock,
		loc:    time.Local,
		logger: logger,
	}
}

// SetCache enables timeline caching.
func (l *Ledger) SetCache(c TimelineCache) { l.cache = c }

// SetNotifier installs a receiver for committed changes. Transfers built on
// this Ledger share it.
func (l *Ledger) SetNotifier(n Notifier) { l.notify = n }

// SetClock replaces the wall clock.
func (l *Ledger) SetClock(c Clock) { l.clock = c }

// SetLocation sets the time zone that defines calendar days for anchoring status.
func (l *Ledger) SetLocation(loc *time.Location) { l.loc = loc }

// Store returns the underlying store.
func (l *Ledger) Store() repository.Store { return l.store }

// CreateBatch registers a batch with its producer as first owner and records
// the genesis event.
func (l *Ledger) CreateBatch(ctx context.Context, in CreateBatchInput) (*model.Event, error) {
	in.BatchID = strings.TrimSpace(in.BatchID)
	in.Owner.ID = strings.TrimSpace(in.Owner.ID)
	in.Owner.Code = strings.TrimSpace(in.Owner.Code)
	if in.BatchID == "" {
		return nil, fmt.Errorf("%w: batch id is required", model.ErrInvalidInput)
	}
	if in.Owner.ID == "" || in.Owner.Code == "" {
		return nil, fmt.Errorf("%w: owner id and owner code are required", model.ErrInvalidInput)
	}
	price := decimal.Zero
	if in.Price.Valid {
		if in.Price.Decimal.IsNegative() {
			return nil, fmt.Errorf("%w: product price must not be negative", model.ErrInvalidInput)
		}
		price = in.Price.Decimal
	}
	docHash, err := in.Document.digest()
	if err != nil {
		return nil, err
	}
	sealed, err := l.seal(in.Owner.Code)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(in.ProductName)
	if name == "" {
		name = defaultProductName
	}

	now := l.clock.Now()
	occurred := now
	if in.OccurredAt != nil {
		occurred = *in.OccurredAt
	}

	batch := &model.Batch{
		ID:          in.BatchID,
		ProductName: name,
		Price:       price,
		Owner: model.Owner{
			ID:      in.Owner.ID,
			Role:    model.RoleProducer,
			Name:    in.Owner.Name,
			Company: in.Owner.Company,
			Phone:   in.Owner.Phone,
			Code:    &sealed,
		},
		CreatedAt: now,
	}
	ev := &model.Event{
		BatchID:    in.BatchID,
		Role:       model.RoleProducer,
		Location:   in.Location,
		DocHash:    docHash,
		OccurredAt: occurred,
		RecordedAt: now,
		Actor: model.Actor{
			ID:      in.Owner.ID,
			Name:    in.Owner.Name,
			Company: in.Owner.Company,
			Phone:   in.Owner.Phone,
			Price:   decimal.NewNullDecimal(price),
		},
	}
	ev.Hash = ev.ComputeHash()

	err = l.store.InBatch(ctx, in.BatchID, func(tx repository.Tx) error {
		if err := tx.CreateBatch(ctx, batch); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("create batch %q: %w", in.BatchID, err)
	}

	l.invalidate(ctx, in.BatchID)
	l.logger.Info("batch created",
		zap.String("batch_id", in.BatchID),
		zap.String("owner_id", in.Owner.ID),
		zap.String("event_hash", ev.Hash.Hex()),
	)
	l.dispatch(ctx, model.NoticeBatchCreated, map[string]string{
		"batch_id":     in.BatchID,
		"product_name": name,
		"owner_id":     in.Owner.ID,
		"event_hash":   ev.Hash.Hex(),
	})
	return ev, nil
}

// appendCustodyEvent records an authorized custody step inside tx and hands
// the batch to the new actor. The owner code is cleared: the new holder sets
// one when they authorize the next transfer. A missing price leaves the
// product price unchanged.
func (l *Ledger) appendCustodyEvent(ctx context.Context, tx repository.Tx, in custodyInput) (*model.Event, error) {
	docHash, err := in.Document.digest()
	if err != nil {
		return nil, err
	}
	if _, err := tx.Batch(ctx); err != nil {
		return nil, err
	}

	// Recording order is the insertion sequence, so a regressing clock is
	// recorded as observed.
	now := l.clock.Now()
	occurred := now
	if in.OccurredAt != nil {
		occurred = *in.OccurredAt
	}

	ev := &model.Event{
		BatchID:    in.BatchID,
		Role:       in.Role,
		Location:   in.Location,
		DocHash:    docHash,
		OccurredAt: occurred,
		RecordedAt: now,
		Actor:      in.Actor,
	}
	ev.Hash = ev.ComputeHash()

	if err := tx.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}
	owner := model.Owner{
		ID:      in.Actor.ID,
		Role:    in.Role,
		Name:    in.Actor.Name,
		Company: in.Actor.Company,
		Phone:   in.Actor.Phone,
	}
	if err := tx.SetOwner(ctx, owner, in.Actor.Price); err != nil {
		return nil, err
	}
	return ev, nil
}

// Timeline returns the batch, its events in insertion order, and the anchoring
// status of the day its latest event was recorded on.
func (l *Ledger) Timeline(ctx context.Context, batchID string) (*model.Timeline, error) {
	tl, err := l.cachedTimeline(ctx, batchID)
	if err != nil {
		return nil, err
	}

	last := l.clock.Now()
	if n := len(tl.Events); n > 0 {
		last = tl.Events[n-1].RecordedAt
	}
	tl.AnchoredDay = model.DayOf(last, l.loc)
	root, err := l.store.DayRoot(ctx, tl.AnchoredDay)
	switch {
	case errors.Is(err, model.ErrNotFound):
		tl.Anchor = nil
	case err != nil:
		return nil, fmt.Errorf("anchor status: %w", err)
	default:
		tl.Anchor = root
	}
	return tl, nil
}

func (l *Ledger) cachedTimeline(ctx context.Context, batchID string) (*model.Timeline, error) {
	if l.cache != nil {
		tl, ok, err := l.cache.Get(ctx, batchID)
		if err != nil {
			l.logger.Warn("timeline cache read failed", zap.String("batch_id", batchID), zap.Error(err))
		} else if ok {
			return tl, nil
		}
	}

	b, events, err := l.store.Timeline(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("timeline %q: %w", batchID, err)
	}
	tl := &model.Timeline{Batch: b, Events: events}

	if l.cache != nil {
		if err := l.cache.Set(ctx, tl); err != nil {
			l.logger.Warn("timeline cache write failed", zap.String("batch_id", batchID), zap.Error(err))
		}
	}
	return tl, nil
}

// VerifyTimeline recomputes the hash of every stored event of a batch and
// reports the first one that no longer matches its own fields.
func (l *Ledger) VerifyTimeline(ctx context.Context, batchID string) (*Verification, error) {
	_, events, err := l.store.Timeline(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("timeline %q: %w", batchID, err)
	}
	v := &Verification{BatchID: batchID, Events: len(events), Valid: true}
	for _, e := range events {
		if computed := e.ComputeHash(); computed != e.Hash {
			v.Valid = false
			v.Mismatch = &HashMismatch{Seq: e.Seq, Stored: e.Hash, Computed: computed}
			break
		}
	}
	return v, nil
}

// Purge deletes a batch with all of its events and tokens. Administrative only.
func (l *Ledger) Purge(ctx context.Context, batchID string) error {
	if err := l.store.DeleteBatch(ctx, batchID); err != nil {
		return fmt.Errorf("purge %q: %w", batchID, err)
	}
	l.invalidate(ctx, batchID)
	l.logger.Warn("batch purged", zap.String("batch_id", batchID))
	l.dispatch(ctx, model.NoticeBatchPurged, map[string]string{"batch_id": batchID})
	return nil
}

// seal seals an owner code, reporting codes the scheme refuses as invalid input.
func (l *Ledger) seal(code string) (string, error) {
	sealed, err := l.cred.Seal(code)
	switch {
	case errors.Is(err, credential.ErrEmptySecret), errors.Is(err, credential.ErrSecretTooLong):
		return "", fmt.Errorf("%w: owner code: %v", model.ErrInvalidInput, err)
	case err != nil:
		return "", fmt.Errorf("seal owner code: %w", err)
	}
	return sealed, nil
}

func (l *Ledger) dispatch(ctx context.Context, noticeType string, payload map[string]string) {
	if l.notify != nil {
		l.notify.Dispatch(ctx, noticeType, payload)
	}
}

func (l *Ledger) invalidate(ctx context.Context, batchID string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Invalidate(ctx, batchID); err != nil {
		l.logger.Warn("timeline cache invalidation failed", zap.String("batch_id", batchID), zap.Error(err))
	}
}
