package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/services"
)

// OutboxHandler operator endpoints for the delivery queue.
type OutboxHandler struct {
	outbox       *services.OutboxService
	defaultLimit int
}

func NewOutboxHandler(outbox *services.OutboxService, defaultLimit int) *OutboxHandler {
	if defaultLimit <= 0 {
		defaultLimit = 20
	}
	return &OutboxHandler{outbox: outbox, defaultLimit: defaultLimit}
}

// ProcessRequest body of a batch run.
type ProcessRequest struct {
	Limit  int  `json:"limit" binding:"omitempty,min=1,max=500"`
	DryRun bool `json:"dryRun"`
}

func (h *OutboxHandler) List(c *gin.Context) {
	var req services.OutboxListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error(), Code: "VALIDATION_ERROR"})
		return
	}
	msgs, total, err := h.outbox.List(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to list outbox", err)
		return
	}
	c.JSON(http.StatusOK, newPaginated(msgs, total, req.Page, req.PageSize))
}

func (h *OutboxHandler) Get(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	msg, err := h.outbox.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Failed to get outbox message", err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// ProcessBatch delivers up to limit eligible messages, or previews them with dryRun.
func (h *OutboxHandler) ProcessBatch(c *gin.Context) {
	var req ProcessRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error(), Code: "VALIDATION_ERROR"})
			return
		}
	}
	if req.Limit == 0 {
		req.Limit = h.defaultLimit
	}
	if req.DryRun {
		previews, err := h.outbox.DryRunBatch(c.Request.Context(), req.Limit)
		if err != nil {
			respondError(c, "Failed to preview outbox", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"dryRun": true, "messages": previews})
		return
	}
	result, err := h.outbox.ProcessBatch(c.Request.Context(), req.Limit)
	if err != nil {
		respondError(c, "Failed to process outbox", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ProcessOne delivers a single message if it is still pending.
func (h *OutboxHandler) ProcessOne(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	outcome, err := h.outbox.Process(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Failed to process outbox message", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "outcome": outcome})
}

// Retry puts a FAILED message back in the queue.
func (h *OutboxHandler) Retry(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	msg, err := h.outbox.Retry(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Failed to retry outbox message", err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func RegisterOutboxRoutes(r *gin.RouterGroup, handler *OutboxHandler, idem gin.HandlerFunc) {
	outbox := r.Group("/outbox")
	{
		outbox.GET("", handler.List)
		outbox.GET("/:id", handler.Get)
		outbox.POST("/process", idem, handler.ProcessBatch)
		outbox.POST("/:id/process", handler.ProcessOne)
		outbox.POST("/:id/retry", handler.Retry)
	}
}
