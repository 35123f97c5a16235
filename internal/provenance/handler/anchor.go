package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/scantotrust/internal/digest"
	"github.com/jmerrifield20/scantotrust/internal/identity"
	"github.com/jmerrifield20/scantotrust/internal/provenance/model"
	"github.com/jmerrifield20/scantotrust/internal/provenance/service"
	"go.uber.org/zap"
)

// AnchorHandler serves daily Merkle roots and inclusion proofs.
type AnchorHandler struct {
	anchoring *service.Anchoring
	tokens    *identity.AdminTokens // nil = admin routes open
	logger    *zap.Logger
}

// NewAnchorHandler creates a new AnchorHandler.
func NewAnchorHandler(anchoring *service.Anchoring, tokens *identity.AdminTokens, logger *zap.Logger) *AnchorHandler {
	return &AnchorHandler{anchoring: anchoring, tokens: tokens, logger: logger}
}

// Register mounts the anchoring routes on the given router group.
func (h *AnchorHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/anchor")
	{
		a.POST("/daily", identity.RequireAdmin(h.tokens, h.logger), h.AnchorDaily)
		a.GET("/days/:day", h.DayRoot)
		a.GET("/days/:day/proof/:hash", h.Proof)
	}
}

type anchorRequest struct {
	Day string `json:"day"`
}

// AnchorDaily handles POST /anchor/daily: computes and commits the root for
// the requested day, today when the body is empty.
func (h *AnchorHandler) AnchorDaily(c *gin.Context) {
	var req anchorRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}
	day := model.Day(req.Day)
	if day == "" {
		day = h.anchoring.Today()
	}

	r, err := h.anchoring.AnchorDay(c.Request.Context(), day)
	if err != nil {
		respondError(c, h.logger, "anchor day", err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// DayRoot handles GET /anchor/days/:day.
func (h *AnchorHandler) DayRoot(c *gin.Context) {
	r, err := h.anchoring.DayRoot(c.Request.Context(), model.Day(c.Param("day")))
	if err != nil {
		respondError(c, h.logger, "day root", err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// Proof handles GET /anchor/days/:day/proof/:hash: an inclusion proof for an
// event hash recorded that day.
func (h *AnchorHandler) Proof(c *gin.Context) {
	hash, err := digest.ParseHex(c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": model.ErrorCode(model.ErrInvalidInput)})
		return
	}
	p, err := h.anchoring.Proof(c.Request.Context(), model.Day(c.Param("day")), hash)
	if err != nil {
		respondError(c, h.logger, "inclusion proof", err)
		return
	}
	c.JSON(http.StatusOK, p)
}
