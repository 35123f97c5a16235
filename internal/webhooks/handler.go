package webhooks

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/scantotrust/internal/identity"
	"github.com/jmerrifield20/scantotrust/internal/provenance/model"
	"go.uber.org/zap"
)

// Handler handles HTTP requests for webhook subscriptions. Every route
// requires an admin token.
type Handler struct {
	svc    *Service
	tokens *identity.AdminTokens
	logger *zap.Logger
}

// NewHandler creates a new webhook Handler.
func NewHandler(svc *Service, tokens *identity.AdminTokens, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, tokens: tokens, logger: logger}
}

// Register registers all webhook routes on the given router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	wh := rg.Group("/webhooks")
	wh.Use(identity.RequireAdmin(h.tokens, h.logger))
	{
		wh.POST("", h.CreateSubscription)
		wh.GET("", h.ListSubscriptions)
		wh.DELETE("/:id", h.DeleteSubscription)
		wh.GET("/:id/deliveries", h.ListDeliveries)
	}
}

// CreateSubscription handles POST /webhooks.
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_input"})
		return
	}

	sub, err := h.svc.Subscribe(c.Request.Context(), &req)
	if errors.Is(err, model.ErrInvalidInput) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_input"})
		return
	}
	if err != nil {
		h.logger.Error("create webhook subscription", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create subscription"})
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       sub.Secret,
	})
}

// ListSubscriptions handles GET /webhooks.
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.svc.List(c.Request.Context())
	if err != nil {
		h.logger.Error("list webhook subscriptions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list subscriptions"})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

// DeleteSubscription handles DELETE /webhooks/:id.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	subID, ok := h.subscriptionID(c)
	if !ok {
		return
	}
	err := h.svc.Unsubscribe(c.Request.Context(), subID)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("delete webhook subscription", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete subscription"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ListDeliveries handles GET /webhooks/:id/deliveries?limit=N.
func (h *Handler) ListDeliveries(c *gin.Context) {
	subID, ok := h.subscriptionID(c)
	if !ok {
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500", "code": "invalid_input"})
			return
		}
		limit = n
	}

	ds, err := h.svc.Deliveries(c.Request.Context(), subID, limit)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("list webhook deliveries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list deliveries"})
		return
	}
	if ds == nil {
		ds = []*Delivery{}
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": ds, "count": len(ds)})
}

func (h *Handler) subscriptionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription ID", "code": "invalid_input"})
		return uuid.Nil, false
	}
	return id, true
}
