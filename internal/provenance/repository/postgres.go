package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/scantotrust/internal/digest"
	"github.com/jmerrifield20/scantotrust/internal/provenance/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Postgres persists the ledger to PostgreSQL. It implements Store.
//
// Per-batch serialisation uses a transaction-scoped advisory lock keyed by a
// 64-bit hash of the batch id, so units on different batches never block each
// other and the lock is released automatically on commit or rollback.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a Postgres store backed by the given connection pool.
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger}
}

// InBatch implements Store.
func (p *Postgres) InBatch(ctx context.Context, batchID string, fn func(Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", batchID); err != nil {
		return fmt.Errorf("acquire batch lock: %w", err)
	}

	if err := fn(&pgTx{tx: tx, batchID: batchID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch tx: %w", err)
	}
	return nil
}

const batchColumns = `id, product_name, product_price::text,
	current_owner_id, current_owner_code, current_owner_role,
	current_owner_name, current_owner_company, current_owner_phone, created_at`

const eventColumns = `id, batch_id, role, location, doc_hash, event_hash, occurred_at, recorded_at,
	actor_id, actor_name, actor_company, actor_phone, actor_price::text`

const tokenColumns = `id, batch_id, code, next_role, next_owner_id, next_owner_name,
	not_before, expires_at, used, revoked, created_at`

// Timeline implements Store. Both reads run in one read-only repeatable-read
// transaction so the batch and its events come from the same snapshot.
func (p *Postgres) Timeline(ctx context.Context, batchID string) (*model.Batch, []*model.Event, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	b, err := scanBatch(tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, batchID))
	if err != nil {
		return nil, nil, err
	}

	rows, err := tx.Query(ctx, `SELECT `+eventColumns+` FROM events WHERE batch_id = $1 ORDER BY id ASC`, batchID)
	if err != nil {
		return nil, nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("read events: %w", err)
	}
	return b, events, nil
}

// Tokens implements Store.
func (p *Postgres) Tokens(ctx context.Context, batchID string) ([]*model.TransferToken, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+tokenColumns+` FROM transfer_tokens WHERE batch_id = $1 ORDER BY created_at ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var out []*model.TransferToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DayLeaves implements Store.
func (p *Postgres) DayLeaves(ctx context.Context, start, end time.Time) ([]digest.Digest, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT event_hash FROM events
		 WHERE recorded_at >= $1 AND recorded_at < $2
		 ORDER BY id ASC`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query day leaves: %w", err)
	}
	defer rows.Close()

	var leaves []digest.Digest
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan leaf: %w", err)
		}
		d, err := digest.ParseHex(h)
		if err != nil {
			return nil, fmt.Errorf("stored event hash %q: %w", h, err)
		}
		leaves = append(leaves, d)
	}
	return leaves, rows.Err()
}

// UpsertDayRoot implements Store.
func (p *Postgres) UpsertDayRoot(ctx context.Context, r *model.DayRoot) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO day_roots (day, root, leaves, tx_hash, anchored_at)
		 VALUES ($1::date, $2, $3, $4, $5)
		 ON CONFLICT (day) DO UPDATE SET
		   root = EXCLUDED.root,
		   leaves = EXCLUDED.leaves,
		   tx_hash = EXCLUDED.tx_hash,
		   anchored_at = EXCLUDED.anchored_at`,
		string(r.Day), r.Root.Hex(), r.Leaves, r.TxRef, r.AnchoredAt,
	)
	if err != nil {
		return fmt.Errorf("upsert day root: %w", err)
	}
	p.logger.Debug("day root stored",
		zap.String("day", string(r.Day)),
		zap.String("root", r.Root.Hex()),
		zap.Int("leaves", r.Leaves),
	)
	return nil
}

// DayRoot implements Store.
func (p *Postgres) DayRoot(ctx context.Context, day model.Day) (*model.DayRoot, error) {
	var (
		r    model.DayRoot
		d    string
		root string
	)
	err := p.pool.QueryRow(ctx,
		`SELECT day::text, root, leaves, tx_hash, anchored_at FROM day_roots WHERE day = $1::date`,
		string(day),
	).Scan(&d, &root, &r.Leaves, &r.TxRef, &r.AnchoredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("day root %s: %w", day, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get day root: %w", err)
	}
	r.Day = model.Day(d)
	if r.Root, err = digest.ParseHex(root); err != nil {
		return nil, fmt.Errorf("stored day root %q: %w", root, err)
	}
	return &r, nil
}

// DeleteBatch implements Store. Events and tokens go with the batch through
// ON DELETE CASCADE.
func (p *Postgres) DeleteBatch(ctx context.Context, batchID string) error {
	return p.InBatch(ctx, batchID, func(t Tx) error {
		tag, err := t.(*pgTx).tx.Exec(ctx, `DELETE FROM batches WHERE id = $1`, batchID)
		if err != nil {
			return fmt.Errorf("delete batch: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("batch %q: %w", batchID, model.ErrNotFound)
		}
		return nil
	})
}

// Ping implements Store.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// ── per-batch unit of work ──────────────────────────────────────────────────

type pgTx struct {
	tx      pgx.Tx
	batchID string
}

func (t *pgTx) Batch(ctx context.Context) (*model.Batch, error) {
	return scanBatch(t.tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, t.batchID))
}

func (t *pgTx) CreateBatch(ctx context.Context, b *model.Batch) error {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO batches (
			id, product_name, product_price,
			current_owner_id, current_owner_code, current_owner_role,
			current_owner_name, current_owner_company, current_owner_phone, created_at
		) VALUES ($1, $2, $3::text::numeric, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		b.ID, b.ProductName, b.Price.String(),
		b.Owner.ID, b.Owner.Code, string(b.Owner.Role),
		b.Owner.Name, b.Owner.Company, b.Owner.Phone, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %q: %w", b.ID, model.ErrConflict)
	}
	return nil
}

func (t *pgTx) SetOwner(ctx context.Context, owner model.Owner, price decimal.NullDecimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE batches SET
			current_owner_id = $1,
			current_owner_code = $2,
			current_owner_role = $3,
			current_owner_name = $4,
			current_owner_company = $5,
			current_owner_phone = $6,
			product_price = COALESCE($7::text::numeric, product_price)
		 WHERE id = $8`,
		owner.ID, owner.Code, string(owner.Role),
		owner.Name, owner.Company, owner.Phone,
		nullDecimalText(price), t.batchID,
	)
	if err != nil {
		return fmt.Errorf("update owner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %q: %w", t.batchID, model.ErrNotFound)
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, e *model.Event) error {
	var docHash *string
	if e.DocHash != nil {
		h := e.DocHash.Hex()
		docHash = &h
	}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO events (
			batch_id, role, location, doc_hash, event_hash, occurred_at, recorded_at,
			actor_id, actor_name, actor_company, actor_phone, actor_price
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::text::numeric)
		RETURNING id`,
		e.BatchID, string(e.Role), e.Location, docHash, e.Hash.Hex(), e.OccurredAt, e.RecordedAt,
		e.Actor.ID, e.Actor.Name, e.Actor.Company, e.Actor.Phone, nullDecimalText(e.Actor.Price),
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (t *pgTx) RevokeActiveTokens(ctx context.Context) (int, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE transfer_tokens SET revoked = TRUE
		 WHERE batch_id = $1 AND used = FALSE AND revoked = FALSE`, t.batchID)
	if err != nil {
		return 0, fmt.Errorf("revoke tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) InsertToken(ctx context.Context, tok *model.TransferToken) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transfer_tokens (
			id, batch_id, code, next_role, next_owner_id, next_owner_name,
			not_before, expires_at, used, revoked, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tok.ID, tok.BatchID, tok.Code, string(tok.NextRole), tok.NextOwnerID, tok.NextOwnerName,
		tok.NotBefore, tok.ExpiresAt, tok.Used, tok.Revoked, tok.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (t *pgTx) TokenByCode(ctx context.Context, code string) (*model.TransferToken, error) {
	return scanToken(t.tx.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM transfer_tokens
		 WHERE batch_id = $1 AND code = $2
		 ORDER BY created_at DESC LIMIT 1`, t.batchID, code))
}

func (t *pgTx) MarkTokenUsed(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `UPDATE transfer_tokens SET used = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark token used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("token %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// ── scanning ────────────────────────────────────────────────────────────────

func scanBatch(row pgx.Row) (*model.Batch, error) {
	var (
		b     model.Batch
		price string
		role  string
	)
	err := row.Scan(
		&b.ID, &b.ProductName, &price,
		&b.Owner.ID, &b.Owner.Code, &role,
		&b.Owner.Name, &b.Owner.Company, &b.Owner.Phone, &b.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	b.Owner.Role = model.Role(role)
	if b.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse product price %q: %w", price, err)
	}
	return &b, nil
}

func scanEvent(row pgx.Row) (*model.Event, error) {
	var (
		e       model.Event
		role    string
		docHash *string
		hash    string
		price   *string
	)
	if err := row.Scan(
		&e.Seq, &e.BatchID, &role, &e.Location, &docHash, &hash, &e.OccurredAt, &e.RecordedAt,
		&e.Actor.ID, &e.Actor.Name, &e.Actor.Company, &e.Actor.Phone, &price,
	); err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	e.Role = model.Role(role)

	var err error
	if e.Hash, err = digest.ParseHex(hash); err != nil {
		return nil, fmt.Errorf("stored event hash %q: %w", hash, err)
	}
	if docHash != nil && *docHash != "" {
		d, err := digest.ParseHex(*docHash)
		if err != nil {
			return nil, fmt.Errorf("stored doc hash %q: %w", *docHash, err)
		}
		e.DocHash = &d
	}
	if price != nil {
		p, err := decimal.NewFromString(*price)
		if err != nil {
			return nil, fmt.Errorf("parse actor price %q: %w", *price, err)
		}
		e.Actor.Price = decimal.NewNullDecimal(p)
	}
	return &e, nil
}

func scanToken(row pgx.Row) (*model.TransferToken, error) {
	var (
		t    model.TransferToken
		role string
	)
	err := row.Scan(
		&t.ID, &t.BatchID, &t.Code, &role, &t.NextOwnerID, &t.NextOwnerName,
		&t.NotBefore, &t.ExpiresAt, &t.Used, &t.Revoked, &t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("token: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan token: %w", err)
	}
	t.NextRole = model.Role(role)
	return &t, nil
}

func nullDecimalText(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}
