package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/scantotrust/internal/digest"
	"github.com/jmerrifield20/scantotrust/internal/provenance/model"
	"github.com/shopspring/decimal"
)

// Memory is an in-memory, thread-safe Store implementation.
// Work on one batch is serialised by a per-batch mutex; different batches
// proceed in parallel and only contend briefly when a unit commits.
type Memory struct {
	mu      sync.RWMutex
	batches map[string]*model.Batch
	events  []*model.Event // ledger-wide insertion order
	byBatch map[string][]*model.Event
	tokens  map[string][]*model.TransferToken
	days    map[model.Day]*model.DayRoot
	seq     int64

	locks keyedMutex
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		batches: make(map[string]*model.Batch),
		byBatch: make(map[string][]*model.Event),
		tokens:  make(map[string][]*model.TransferToken),
		days:    make(map[model.Day]*model.DayRoot),
		locks:   keyedMutex{m: make(map[string]*keyedLock)},
	}
}

// InBatch implements Store.
func (s *Memory) InBatch(ctx context.Context, batchID string, fn func(Tx) error) error {
	unlock := s.locks.lock(batchID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		s:       s,
		batchID: batchID,
		revoked: make(map[uuid.UUID]bool),
		used:    make(map[uuid.UUID]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *Memory) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.newBatch != nil {
		s.batches[tx.batchID] = tx.newBatch
	}
	if tx.owner != nil {
		b := s.batches[tx.batchID]
		b.Owner = tx.owner.owner
		if tx.owner.price.Valid {
			b.Price = tx.owner.price.Decimal
		}
	}
	for _, t := range s.tokens[tx.batchID] {
		if tx.revoked[t.ID] {
			t.Revoked = true
		}
		if tx.used[t.ID] {
			t.Used = true
		}
	}
	for _, t := range tx.tokens {
		cp := *t
		cp.Revoked = cp.Revoked || tx.revoked[t.ID]
		cp.Used = cp.Used || tx.used[t.ID]
		s.tokens[tx.batchID] = append(s.tokens[tx.batchID], &cp)
	}
	for _, e := range tx.events {
		s.seq++
		e.Seq = s.seq
		cp := *e
		s.events = append(s.events, &cp)
		s.byBatch[tx.batchID] = append(s.byBatch[tx.batchID], &cp)
	}
}

// Timeline implements Store.
func (s *Memory) Timeline(_ context.Context, batchID string) (*model.Batch, []*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, nil, fmt.Errorf("batch %q: %w", batchID, model.ErrNotFound)
	}
	cp := *b
	events := make([]*model.Event, 0, len(s.byBatch[batchID]))
	for _, e := range s.byBatch[batchID] {
		ec := *e
		events = append(events, &ec)
	}
	return &cp, events, nil
}

// Tokens implements Store.
func (s *Memory) Tokens(_ context.Context, batchID string) ([]*model.TransferToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.TransferToken, 0, len(s.tokens[batchID]))
	for _, t := range s.tokens[batchID] {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// DayLeaves implements Store.
func (s *Memory) DayLeaves(_ context.Context, start, end time.Time) ([]digest.Digest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var leaves []digest.Digest
	for _, e := range s.events {
		if !e.RecordedAt.Before(start) && e.RecordedAt.Before(end) {
			leaves = append(leaves, e.Hash)
		}
	}
	return leaves, nil
}

// UpsertDayRoot implements Store.
func (s *Memory) UpsertDayRoot(_ context.Context, r *model.DayRoot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.days[r.Day] = &cp
	return nil
}

// DayRoot implements Store.
func (s *Memory) DayRoot(_ context.Context, day model.Day) (*model.DayRoot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.days[day]
	if !ok {
		return nil, fmt.Errorf("day root %s: %w", day, model.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

// DeleteBatch implements Store.
func (s *Memory) DeleteBatch(_ context.Context, batchID string) error {
	unlock := s.locks.lock(batchID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[batchID]; !ok {
		return fmt.Errorf("batch %q: %w", batchID, model.ErrNotFound)
	}
	delete(s.batches, batchID)
	delete(s.byBatch, batchID)
	delete(s.tokens, batchID)

	kept := s.events[:0]
	for _, e := range s.events {
		if e.BatchID != batchID {
			kept = append(kept, e)
		}
	}
	s.events = kept
	return nil
}

// Ping implements Store.
func (s *Memory) Ping(context.Context) error { return nil }

// ── per-batch unit of work ──────────────────────────────────────────────────

type ownerUpdate struct {
	owner model.Owner
	price decimal.NullDecimal
}

// memTx stages writes until InBatch commits them.
type memTx struct {
	s       *Memory
	batchID string

	newBatch *model.Batch
	owner    *ownerUpdate
	events   []*model.Event
	tokens   []*model.TransferToken
	revoked  map[uuid.UUID]bool
	used     map[uuid.UUID]bool
}

func (tx *memTx) Batch(_ context.Context) (*model.Batch, error) {
	var b model.Batch
	switch {
	case tx.newBatch != nil:
		b = *tx.newBatch
	default:
		tx.s.mu.RLock()
		stored, ok := tx.s.batches[tx.batchID]
		if ok {
			b = *stored
		}
		tx.s.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("batch %q: %w", tx.batchID, model.ErrNotFound)
		}
	}
	if tx.owner != nil {
		b.Owner = tx.owner.owner
		if tx.owner.price.Valid {
			b.Price = tx.owner.price.Decimal
		}
	}
	return &b, nil
}

func (tx *memTx) CreateBatch(_ context.Context, b *model.Batch) error {
	if b.ID != tx.batchID {
		return fmt.Errorf("batch %q created inside unit for %q", b.ID, tx.batchID)
	}
	tx.s.mu.RLock()
	_, exists := tx.s.batches[b.ID]
	tx.s.mu.RUnlock()
	if exists || tx.newBatch != nil {
		return fmt.Errorf("batch %q: %w", b.ID, model.ErrConflict)
	}
	cp := *b
	tx.newBatch = &cp
	return nil
}

func (tx *memTx) SetOwner(ctx context.Context, owner model.Owner, price decimal.NullDecimal) error {
	if _, err := tx.Batch(ctx); err != nil {
		return err
	}
	tx.owner = &ownerUpdate{owner: owner, price: price}
	return nil
}

func (tx *memTx) AppendEvent(_ context.Context, e *model.Event) error {
	if e.BatchID != tx.batchID {
		return fmt.Errorf("event for %q appended inside unit for %q", e.BatchID, tx.batchID)
	}
	tx.events = append(tx.events, e)
	return nil
}

// tokenView merges committed tokens with staged ones and staged flag changes.
func (tx *memTx) tokenView() []*model.TransferToken {
	tx.s.mu.RLock()
	view := make([]*model.TransferToken, 0, len(tx.s.tokens[tx.batchID])+len(tx.tokens))
	for _, t := range tx.s.tokens[tx.batchID] {
		cp := *t
		view = append(view, &cp)
	}
	tx.s.mu.RUnlock()

	for _, t := range tx.tokens {
		cp := *t
		view = append(view, &cp)
	}
	for _, t := range view {
		t.Revoked = t.Revoked || tx.revoked[t.ID]
		t.Used = t.Used || tx.used[t.ID]
	}
	return view
}

func (tx *memTx) RevokeActiveTokens(_ context.Context) (int, error) {
	n := 0
	for _, t := range tx.tokenView() {
		if t.Active() {
			tx.revoked[t.ID] = true
			n++
		}
	}
	return n, nil
}

func (tx *memTx) InsertToken(_ context.Context, t *model.TransferToken) error {
	if t.BatchID != tx.batchID {
		return fmt.Errorf("token for %q inserted inside unit for %q", t.BatchID, tx.batchID)
	}
	cp := *t
	tx.tokens = append(tx.tokens, &cp)
	return nil
}

func (tx *memTx) TokenByCode(_ context.Context, code string) (*model.TransferToken, error) {
	var found *model.TransferToken
	for _, t := range tx.tokenView() {
		if t.Code == code && (found == nil || !t.CreatedAt.Before(found.CreatedAt)) {
			found = t
		}
	}
	if found == nil {
		return nil, fmt.Errorf("token: %w", model.ErrNotFound)
	}
	return found, nil
}

func (tx *memTx) MarkTokenUsed(_ context.Context, id uuid.UUID) error {
	for _, t := range tx.tokenView() {
		if t.ID == id {
			tx.used[id] = true
			return nil
		}
	}
	return fmt.Errorf("token %s: %w", id, model.ErrNotFound)
}

// ── keyed mutex ─────────────────────────────────────────────────────────────

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key and drops it when unused.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*keyedLock
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &keyedLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
