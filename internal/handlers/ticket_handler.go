package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/services"
)

// TicketHandler ticket lookup and staff replies.
type TicketHandler struct {
	tickets *services.TicketService
}

func NewTicketHandler(tickets *services.TicketService) *TicketHandler {
	return &TicketHandler{tickets: tickets}
}

func (h *TicketHandler) GetTicket(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	ticket, err := h.tickets.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Failed to get ticket", err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// Reply records a staff reply and queues it for delivery.
func (h *TicketHandler) Reply(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req services.TicketReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error(), Code: "VALIDATION_ERROR"})
		return
	}
	result, err := h.tickets.Reply(c.Request.Context(), id, actor, &req)
	if err != nil {
		respondError(c, "Failed to reply", err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func RegisterTicketRoutes(r *gin.RouterGroup, handler *TicketHandler, idem gin.HandlerFunc) {
	tickets := r.Group("/tickets")
	{
		tickets.GET("/:id", handler.GetTicket)
		tickets.POST("/:id/reply", idem, handler.Reply)
	}
}
