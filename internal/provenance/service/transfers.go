package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/scantotrust/internal/provenance/model"
	"github.com/jmerrifield20/scantotrust/internal/provenance/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxCodeAttempts bounds redraws when a fresh code collides with an earlier
// token of the same batch.
const maxCodeAttempts = 8

// AuthorizeInput is the input for Transfers.Authorize.
type AuthorizeInput struct {
	BatchID string
	// OwnerID and OwnerCode authenticate the current holder.
	OwnerID       string
	OwnerCode     string
	NextRole      model.Role
	NextOwnerID   string
	NextOwnerName *string
	NotBefore     *time.Time
	// ValidDays is the token lifetime in days. Zero selects
	// model.DefaultValidDays; anything below one is raised to one.
	ValidDays int
}

// ConsumeInput is the input for Transfers.Consume.
type ConsumeInput struct {
	BatchID    string
	Role       model.Role
	Code       string
	Actor      model.Actor
	Location   string
	Document   Document
	OccurredAt *time.Time
}

// OutcomeRecorder observes transfer outcomes, e.g. for metrics. op is
// "authorize" or "consume"; outcome is "ok" or a model.ErrorCode.
type OutcomeRecorder func(op, outcome string)

// Transfers issues and consumes single-use transfer tokens.
type Transfers struct {
	ledger *Ledger
	codes  CodeGenerator
	record OutcomeRecorder // nil = no recording
	logger *zap.Logger
}

// NewTransfers creates a Transfers bound to ledger. codes defaults to
// crypto-random codes when nil.
func NewTransfers(ledger *Ledger, codes CodeGenerator, logger *zap.Logger) *Transfers {
	if codes == nil {
		codes = NewRandomCodes(nil)
	}
	return &Transfers{ledger: ledger, codes: codes, logger: logger}
}

// SetMetricsRecorder installs an outcome observer.
func (t *Transfers) SetMetricsRecorder(r OutcomeRecorder) { t.record = r }

func (t *Transfers) observe(op string, err error) {
	if t.record == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = model.ErrorCode(err)
	}
	t.record(op, outcome)
}

// Authorize issues a new transfer token for the batch after checking the
// current holder's credentials. A holder who received the batch through a
// handoff has no code on file; their first Authorize sets it. Any token still
// active is revoked in the same unit, so at most one token per batch is ever
// active. The returned token carries the plaintext code; it is not disclosed
// again.
func (t *Transfers) Authorize(ctx context.Context, in AuthorizeInput) (tok *model.TransferToken, err error) {
	defer func() { t.observe("authorize", err) }()

	in.BatchID = strings.TrimSpace(in.BatchID)
	in.OwnerID = strings.TrimSpace(in.OwnerID)
	in.OwnerCode = strings.TrimSpace(in.OwnerCode)
	in.NextOwnerID = strings.TrimSpace(in.NextOwnerID)
	if in.BatchID == "" || in.NextOwnerID == "" {
		return nil, fmt.Errorf("%w: batch id and next owner id are required", model.ErrInvalidInput)
	}
	if !in.NextRole.Valid() {
		return nil, fmt.Errorf("%w: unknown next role %q", model.ErrInvalidInput, in.NextRole)
	}
	if in.OwnerID == "" || in.OwnerCode == "" {
		return nil, fmt.Errorf("%w: owner id and owner code are required", model.ErrInvalidInput)
	}

	days := in.ValidDays
	if days == 0 {
		days = model.DefaultValidDays
	}
	if days < 1 {
		days = 1
	}

	var nextName *string
	if in.NextOwnerName != nil {
		if n := strings.TrimSpace(*in.NextOwnerName); n != "" {
			nextName = &n
		}
	}

	var (
		revoked int
		claimed bool
	)
	err = t.ledger.store.InBatch(ctx, in.BatchID, func(tx repository.Tx) error {
		b, err := tx.Batch(ctx)
		if err != nil {
			return err
		}
		switch {
		case b.Owner.ID != in.OwnerID:
			return model.ErrForbidden
		case !b.Owner.HasCode():
			// The holder received custody through a handoff and has no code
			// yet; the first code they present becomes theirs.
			sealed, err := t.ledger.seal(in.OwnerCode)
			if err != nil {
				return err
			}
			owner := b.Owner
			owner.Code = &sealed
			if err := tx.SetOwner(ctx, owner, decimal.NullDecimal{}); err != nil {
				return err
			}
			claimed = true
		case !t.ledger.cred.Match(*b.Owner.Code, in.OwnerCode):
			return model.ErrForbidden
		}

		if revoked, err = tx.RevokeActiveTokens(ctx); err != nil {
			return err
		}

		code, err := t.freshCode(ctx, tx)
		if err != nil {
			return err
		}

		now := t.ledger.clock.Now()
		tok = &model.TransferToken{
			ID:            uuid.New(),
			BatchID:       in.BatchID,
			Code:          code,
			NextRole:      in.NextRole,
			NextOwnerID:   in.NextOwnerID,
			NextOwnerName: nextName,
			NotBefore:     in.NotBefore,
			ExpiresAt:     now.AddDate(0, 0, days),
			CreatedAt:     now,
		}
		return tx.InsertToken(ctx, tok)
	})
	if err != nil {
		return nil, fmt.Errorf("authorize transfer of %q: %w", in.BatchID, err)
	}

	t.logger.Info("transfer authorized",
		zap.String("batch_id", in.BatchID),
		zap.String("next_role", string(in.NextRole)),
		zap.String("next_owner_id", in.NextOwnerID),
		zap.Int("revoked", revoked),
		zap.Bool("owner_code_claimed", claimed),
		zap.Time("expires_at", tok.ExpiresAt),
	)
	return tok, nil
}

func (t *Transfers) freshCode(ctx context.Context, tx repository.Tx) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := t.codes.NewCode()
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		_, err = tx.TokenByCode(ctx, code)
		if errors.Is(err, model.ErrNotFound) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no unused code after %d attempts", maxCodeAttempts)
}

// Consume redeems a transfer code and records the custody event it
// authorizes. Checks run in a fixed order and the first failure is returned:
// unknown code, revoked, used, role, not-before, expiry, next owner id, then
// next owner name (only when both the token and the caller supply one). A
// failure changes nothing, so a token survives wrong attempts until it
// expires. On success the token is marked used and the event appended in one
// unit.
func (t *Transfers) Consume(ctx context.Context, in ConsumeInput) (ev *model.Event, err error) {
	defer func() { t.observe("consume", err) }()

	in.BatchID = strings.TrimSpace(in.BatchID)
	in.Code = strings.TrimSpace(in.Code)
	in.Actor.ID = strings.TrimSpace(in.Actor.ID)
	if in.BatchID == "" || in.Code == "" || in.Actor.ID == "" || in.Role == "" {
		return nil, fmt.Errorf("%w: batch id, role, code and actor id are required", model.ErrInvalidInput)
	}
	if in.Actor.Price.Valid && in.Actor.Price.Decimal.IsNegative() {
		return nil, fmt.Errorf("%w: price must not be negative", model.ErrInvalidInput)
	}

	err = t.ledger.store.InBatch(ctx, in.BatchID, func(tx repository.Tx) error {
		tok, err := tx.TokenByCode(ctx, in.Code)
		if errors.Is(err, model.ErrNotFound) {
			return model.ErrInvalidCode
		}
		if err != nil {
			return err
		}
		if err := checkToken(tok, in, t.ledger.clock.Now()); err != nil {
			return err
		}
		if err := tx.MarkTokenUsed(ctx, tok.ID); err != nil {
			return err
		}
		ev, err = t.ledger.appendCustodyEvent(ctx, tx, custodyInput{
			BatchID:    in.BatchID,
			Role:       in.Role,
			Actor:      in.Actor,
			Location:   in.Location,
			Document:   in.Document,
			OccurredAt: in.OccurredAt,
		})
		return err
	})
	if err != nil {
		if model.IsTransferFailure(err) {
			t.logger.Info("transfer rejected",
				zap.String("batch_id", in.BatchID),
				zap.String("actor_id", in.Actor.ID),
				zap.String("reason", model.ErrorCode(err)),
			)
		}
		return nil, fmt.Errorf("consume transfer of %q: %w", in.BatchID, err)
	}

	t.ledger.invalidate(ctx, in.BatchID)
	t.logger.Info("custody transferred",
		zap.String("batch_id", in.BatchID),
		zap.String("role", string(in.Role)),
		zap.String("actor_id", in.Actor.ID),
		zap.String("event_hash", ev.Hash.Hex()),
	)
	t.ledger.dispatch(ctx, model.NoticeCustodyTransferred, map[string]string{
		"batch_id":   in.BatchID,
		"role":       string(in.Role),
		"actor_id":   in.Actor.ID,
		"event_hash": ev.Hash.Hex(),
	})
	return ev, nil
}

func checkToken(tok *model.TransferToken, in ConsumeInput, now time.Time) error {
	switch {
	case tok.Revoked:
		return model.ErrRevoked
	case tok.Used:
		return model.ErrAlreadyUsed
	case tok.NextRole != in.Role:
		return model.ErrRoleMismatch
	case tok.NotBefore != nil && now.Before(*tok.NotBefore):
		return model.ErrNotYetActive
	case !tok.ExpiresAt.IsZero() && now.After(tok.ExpiresAt):
		return model.ErrExpired
	case tok.NextOwnerID != "" && tok.NextOwnerID != in.Actor.ID:
		return model.ErrOwnerMismatch
	case tok.NextOwnerName != nil && strings.TrimSpace(in.Actor.Name) != "" && !sameName(*tok.NextOwnerName, in.Actor.Name):
		return model.ErrNameMismatch
	}
	return nil
}

func sameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
