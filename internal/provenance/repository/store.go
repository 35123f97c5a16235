// Package repository persists batches, events, transfer tokens and day roots.
//
// Two implementations of Store are provided:
//   - Memory: in-process, for tests and single-node development.
//   - Postgres: durable, backed by pgx.
//
// Every mutation of a batch runs inside Store.InBatch, which serialises all
// work on the same batch id and applies the unit atomically: either every
// write made through the Tx becomes visible or none does.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/scantotrust/internal/digest"
	"github.com/jmerrifield20/scantotrust/internal/provenance/model"
	"github.com/shopspring/decimal"
)

// Tx is the per-batch unit of work handed to InBatch callbacks. All methods
// operate on the batch the unit was opened for.
type Tx interface {
	// Batch returns the batch, or model.ErrNotFound.
	Batch(ctx context.Context) (*model.Batch, error)

	// CreateBatch inserts the batch, or returns model.ErrConflict.
	CreateBatch(ctx context.Context, b *model.Batch) error

	// SetOwner replaces the owner snapshot. A valid price replaces the product
	// price; an invalid (absent) one leaves it unchanged.
	SetOwner(ctx context.Context, owner model.Owner, price decimal.NullDecimal) error

	// AppendEvent appends e and assigns e.Seq.
	AppendEvent(ctx context.Context, e *model.Event) error

	// RevokeActiveTokens revokes every active token and returns how many.
	RevokeActiveTokens(ctx context.Context) (int, error)

	// InsertToken stores a newly issued token.
	InsertToken(ctx context.Context, t *model.TransferToken) error

	// TokenByCode returns the most recently issued token carrying code, or
	// model.ErrNotFound.
	TokenByCode(ctx context.Context, code string) (*model.TransferToken, error)

	// MarkTokenUsed sets the used flag.
	MarkTokenUsed(ctx context.Context, id uuid.UUID) error
}

// Store is the durable store behind the ledger.
type Store interface {
	// InBatch runs fn as one atomic unit, exclusive with every other unit for
	// the same batch id. If fn returns an error nothing it wrote is kept.
	InBatch(ctx context.Context, batchID string, fn func(Tx) error) error

	// Timeline returns a consistent snapshot of the batch and its events in
	// insertion order, or model.ErrNotFound.
	Timeline(ctx context.Context, batchID string) (*model.Batch, []*model.Event, error)

	// Tokens lists every token issued for the batch, oldest first.
	Tokens(ctx context.Context, batchID string) ([]*model.TransferToken, error)

	// DayLeaves returns the hashes of events recorded in [start, end),
	// ascending by insertion sequence.
	DayLeaves(ctx context.Context, start, end time.Time) ([]digest.Digest, error)

	// UpsertDayRoot stores r, replacing any root already stored for r.Day.
	UpsertDayRoot(ctx context.Context, r *model.DayRoot) error

	// DayRoot returns the stored root for day, or model.ErrNotFound.
	DayRoot(ctx context.Context, day model.Day) (*model.DayRoot, error)

	// DeleteBatch removes the batch with its events and tokens, or returns
	// model.ErrNotFound. Administrative purge only.
	DeleteBatch(ctx context.Context, batchID string) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
