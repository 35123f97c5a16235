package model

import (
	"fmt"
	"time"

	"github.com/jmerrifield20/scantotrust/internal/digest"
	"github.com/shopspring/decimal"
)

// Role is a custodial role in the supply chain.
type Role string

const (
	RoleProducer     Role = "producer"
	RoleManufacturer Role = "manufacturer"
	RoleDistributor  Role = "distributor"
	RoleRetailer     Role = "retailer"
)

// Roles lists the custodial roles in chain order.
var Roles = []Role{RoleProducer, RoleManufacturer, RoleDistributor, RoleRetailer}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
	return r, nil
}

// Owner is the current-holder snapshot stored on a batch.
type Owner struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Name    string `json:"name"`
	Company string `json:"company"`
	Phone   string `json:"phone"`
	// Code is the sealed owner credential. Nil after a handoff until the new
	// holder sets one; never serialised.
	Code *string `json:"-"`
}

// HasCode reports whether the holder has an owner credential on file.
func (o Owner) HasCode() bool { return o.Code != nil }

// Batch is a tracked unit of product.
type Batch struct {
	ID          string          `json:"id"`
	ProductName string          `json:"product_name"`
	Price       decimal.Decimal `json:"product_price"`
	Owner       Owner           `json:"current_owner"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Actor is the party that performed a custodial step.
type Actor struct {
	ID      string              `json:"id"`
	Name    string              `json:"name"`
	Company string              `json:"company"`
	Phone   string              `json:"phone"`
	Price   decimal.NullDecimal `json:"price"`
}

// Event is an immutable record of one custodial step.
type Event struct {
	// Seq is the ledger-wide insertion sequence; it orders events and Merkle leaves.
	Seq        int64          `json:"seq"`
	BatchID    string         `json:"batch_id"`
	Role       Role           `json:"role"`
	Location   string         `json:"location"`
	DocHash    *digest.Digest `json:"doc_hash,omitempty"`
	Hash       digest.Digest  `json:"event_hash"`
	OccurredAt time.Time      `json:"occurred_at"`
	RecordedAt time.Time      `json:"recorded_at"`
	Actor      Actor          `json:"actor"`
}

// Fields returns the hashed subset of the event.
func (e *Event) Fields() digest.EventFields {
	return digest.EventFields{
		BatchID:      e.BatchID,
		Role:         string(e.Role),
		Location:     e.Location,
		DocHash:      e.DocHash,
		ActorID:      e.Actor.ID,
		ActorName:    e.Actor.Name,
		ActorCompany: e.Actor.Company,
		ActorPhone:   e.Actor.Phone,
		ActorPrice:   e.Actor.Price,
		OccurredAt:   e.OccurredAt,
	}
}

// ComputeHash recomputes the content hash from the event's own fields.
func (e *Event) ComputeHash() digest.Digest {
	return digest.HashEvent(e.Fields())
}

// Timeline is a batch together with its ordered events and the anchoring
// status of the day its latest event was recorded on.
type Timeline struct {
	Batch       *Batch   `json:"batch"`
	Events      []*Event `json:"events"`
	AnchoredDay Day      `json:"anchored_day"`
	Anchor      *DayRoot `json:"anchor,omitempty"`
}
