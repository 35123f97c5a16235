package handler

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/scantotrust/internal/digest"
	"github.com/jmerrifield20/scantotrust/internal/identity"
	"github.com/jmerrifield20/scantotrust/internal/provenance/service"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const (
	defaultQRSize = 256
	minQRSize     = 128
	maxQRSize     = 1024
)

// BatchHandler serves batch registration, timelines and QR labels.
type BatchHandler struct {
	ledger    *service.Ledger
	tokens    *identity.AdminTokens // nil = admin routes open
	publicURL string
	logger    *zap.Logger
}

// NewBatchHandler creates a new BatchHandler.
func NewBatchHandler(ledger *service.Ledger, tokens *identity.AdminTokens, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{ledger: ledger, tokens: tokens, logger: logger}
}

// SetPublicURL sets the base URL printed into QR labels. Without it labels
// carry a path relative to the viewer's host.
func (h *BatchHandler) SetPublicURL(u string) {
	h.publicURL = strings.TrimRight(u, "/")
}

// Register mounts the batch routes on the given router group.
func (h *BatchHandler) Register(rg *gin.RouterGroup) {
	b := rg.Group("/batches")
	{
		b.POST("", h.CreateBatch)
		b.GET("/:id/timeline", h.Timeline)
		b.GET("/:id/verify", h.Verify)
		b.GET("/:id/qr", h.QRCode)
		b.DELETE("/:id", identity.RequireAdmin(h.tokens, h.logger), h.DeleteBatch)
	}
}

type ownerRequest struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Name    string `json:"name"`
	Company string `json:"company"`
	Phone   string `json:"phone"`
}

type createBatchRequest struct {
	BatchID     string              `json:"batch_id"`
	ProductName string              `json:"product_name"`
	Price       decimal.NullDecimal `json:"product_price"`
	Location    string              `json:"location"`
	Owner       ownerRequest        `json:"owner"`
	DocText     *string             `json:"doc_text"`
	DocHash     *digest.Digest      `json:"doc_hash"`
	OccurredAt  *time.Time          `json:"occurred_at"`
}

// CreateBatch handles POST /batches: registers a batch and its genesis event.
func (h *BatchHandler) CreateBatch(c *gin.Context) {
	var req createBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ev, err := h.ledger.CreateBatch(c.Request.Context(), service.CreateBatchInput{
		BatchID:     req.BatchID,
		ProductName: req.ProductName,
		Price:       req.Price,
		Location:    req.Location,
		Owner: service.OwnerInput{
			ID:      req.Owner.ID,
			Code:    req.Owner.Code,
			Name:    req.Owner.Name,
			Company: req.Owner.Company,
			Phone:   req.Owner.Phone,
		},
		Document:   service.Document{Text: req.DocText, Hash: req.DocHash},
		OccurredAt: req.OccurredAt,
	})
	if err != nil {
		respondError(c, h.logger, "create batch", err)
		return
	}
	RecordBatchCreated()

	c.JSON(http.StatusCreated, gin.H{
		"batch_id":         ev.BatchID,
		"first_event_hash": ev.Hash,
		"event":            ev,
		"qr_url":           c.Request.URL.Path + "/" + url.PathEscape(ev.BatchID) + "/qr",
	})
}

// Timeline handles GET /batches/:id/timeline.
func (h *BatchHandler) Timeline(c *gin.Context) {
	tl, err := h.ledger.Timeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "timeline", err)
		return
	}
	c.JSON(http.StatusOK, tl)
}

// Verify handles GET /batches/:id/verify: recomputes every stored event hash.
func (h *BatchHandler) Verify(c *gin.Context) {
	v, err := h.ledger.VerifyTimeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "verify timeline", err)
		return
	}
	if !v.Valid {
		h.logger.Warn("stored event hash mismatch",
			zap.String("batch_id", v.BatchID),
			zap.Int64("seq", v.Mismatch.Seq),
		)
	}
	c.JSON(http.StatusOK, v)
}

// QRCode handles GET /batches/:id/qr: a PNG label linking to the public
// viewer page for the batch. ?size= sets the edge length in pixels.
func (h *BatchHandler) QRCode(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.ledger.Timeline(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, "qr code", err)
		return
	}

	size := defaultQRSize
	if s := c.Query("size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < minQRSize || n > maxQRSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": "size must be an integer between 128 and 1024"})
			return
		}
		size = n
	}

	png, err := qrcode.Encode(h.ViewURL(id), qrcode.Medium, size)
	if err != nil {
		h.logger.Error("encode qr code", zap.String("batch_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render qr code"})
		return
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, "image/png", png)
}

// ViewURL is the public viewer link encoded into a batch's QR label.
func (h *BatchHandler) ViewURL(batchID string) string {
	return h.publicURL + "/view/" + url.PathEscape(batchID)
}

// DeleteBatch handles DELETE /batches/:id: removes a batch with its events
// and tokens. Admin only.
func (h *BatchHandler) DeleteBatch(c *gin.Context) {
	id := c.Param("id")
	if err := h.ledger.Purge(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, "purge batch", err)
		return
	}
	sub := ""
	if claims := identity.AdminClaimsFromCtx(c); claims != nil {
		sub = claims.Subject
	}
	h.logger.Info("batch deleted via api", zap.String("batch_id", id), zap.String("admin", sub))
	c.Status(http.StatusNoContent)
}
