package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/scantotrust/internal/digest"
	"github.com/jmerrifield20/scantotrust/internal/provenance/model"
	"github.com/jmerrifield20/scantotrust/internal/provenance/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Headers carrying the current holder's credentials on an authorize request.
const (
	HeaderOwnerID   = "X-Owner-Id"
	HeaderOwnerCode = "X-Owner-Code"
)

// TransferHandler serves transfer authorization and handoff.
type TransferHandler struct {
	transfers *service.Transfers
	consume   gin.HandlerFunc // extra middleware for the handoff route
	logger    *zap.Logger
}

// NewTransferHandler creates a new TransferHandler.
func NewTransferHandler(transfers *service.Transfers, logger *zap.Logger) *TransferHandler {
	return &TransferHandler{transfers: transfers, logger: logger}
}

// SetHandoffLimiter installs middleware in front of the handoff route, where
// codes are guessed.
func (h *TransferHandler) SetHandoffLimiter(mw gin.HandlerFunc) {
	h.consume = mw
}

// Register mounts the transfer routes on the given router group.
func (h *TransferHandler) Register(rg *gin.RouterGroup) {
	b := rg.Group("/batches/:id")
	{
		b.POST("/transfers", h.Authorize)
		if h.consume != nil {
			b.POST("/handoff", h.consume, h.Handoff)
		} else {
			b.POST("/handoff", h.Handoff)
		}
	}
}

type authorizeRequest struct {
	NextRole      string     `json:"next_role"`
	NextOwnerID   string     `json:"next_owner_id"`
	NextOwnerName *string    `json:"next_owner_name"`
	NotBefore     *time.Time `json:"not_before"`
	ValidDays     int        `json:"valid_days"`
}

// Authorize handles POST /batches/:id/transfers: the current holder issues a
// single-use code for the next handoff.
func (h *TransferHandler) Authorize(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	tok, err := h.transfers.Authorize(c.Request.Context(), service.AuthorizeInput{
		BatchID:       c.Param("id"),
		OwnerID:       c.GetHeader(HeaderOwnerID),
		OwnerCode:     c.GetHeader(HeaderOwnerCode),
		NextRole:      model.Role(req.NextRole),
		NextOwnerID:   req.NextOwnerID,
		NextOwnerName: req.NextOwnerName,
		NotBefore:     req.NotBefore,
		ValidDays:     req.ValidDays,
	})
	if err != nil {
		respondError(c, h.logger, "authorize transfer", err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusCreated, tok)
}

type actorRequest struct {
	ID      string              `json:"id"`
	Name    string              `json:"name"`
	Company string              `json:"company"`
	Phone   string              `json:"phone"`
	Price   decimal.NullDecimal `json:"price"`
}

type handoffRequest struct {
	Role       string         `json:"role"`
	Code       string         `json:"code"`
	Actor      actorRequest   `json:"actor"`
	Location   string         `json:"location"`
	DocText    *string        `json:"doc_text"`
	DocHash    *digest.Digest `json:"doc_hash"`
	OccurredAt *time.Time     `json:"occurred_at"`
}

// Handoff handles POST /batches/:id/handoff: the next holder redeems a code
// and the custody event is recorded.
func (h *TransferHandler) Handoff(c *gin.Context) {
	var req handoffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ev, err := h.transfers.Consume(c.Request.Context(), service.ConsumeInput{
		BatchID: c.Param("id"),
		Role:    model.Role(req.Role),
		Code:    req.Code,
		Actor: model.Actor{
			ID:      req.Actor.ID,
			Name:    req.Actor.Name,
			Company: req.Actor.Company,
			Phone:   req.Actor.Phone,
			Price:   req.Actor.Price,
		},
		Location:   req.Location,
		Document:   service.Document{Text: req.DocText, Hash: req.DocHash},
		OccurredAt: req.OccurredAt,
	})
	if err != nil {
		respondError(c, h.logger, "consume transfer", err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}
