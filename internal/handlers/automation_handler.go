package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/models"
	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/services"
)

// AutomationHandler proposals, policies and the approval workflow.
type AutomationHandler struct {
	automation *services.AutomationService
	policies   *services.PolicyService
	approvals  *services.ApprovalService
	timeline   *services.TimelineService
}

func NewAutomationHandler(automation *services.AutomationService, policies *services.PolicyService, approvals *services.ApprovalService, timeline *services.TimelineService) *AutomationHandler {
	return &AutomationHandler{automation: automation, policies: policies, approvals: approvals, timeline: timeline}
}

// ListProposals regenerates the current proposals, each with its policy verdict.
func (h *AutomationHandler) ListProposals(c *gin.Context) {
	views, err := h.automation.ListProposals(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to generate proposals", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": views, "total": len(views)})
}

func (h *AutomationHandler) ListPolicies(c *gin.Context) {
	policies, err := h.policies.List(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to list policies", err)
		return
	}
	c.JSON(http.StatusOK, policies)
}

func (h *AutomationHandler) UpdatePolicy(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	var req services.PolicyUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error(), Code: "VALIDATION_ERROR"})
		return
	}
	policy, err := h.policies.Upsert(c.Request.Context(), models.ProposalType(c.Param("type")), req, actor)
	if err != nil {
		respondError(c, "Failed to update policy", err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

// Decide records a decision on a proposal. The proposal is looked up among the freshly
// generated ones, so clients cannot submit a forged snapshot.
func (h *AutomationHandler) Decide(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	var req services.DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error(), Code: "VALIDATION_ERROR"})
		return
	}
	proposal, err := h.automation.FindProposal(c.Request.Context(), req.ProposalID)
	if err != nil {
		respondError(c, "Failed to decide", err)
		return
	}
	approval, err := h.approvals.Decide(c.Request.Context(), *proposal, req.Decision, actor, req.Note)
	if err != nil {
		respondError(c, "Failed to decide", err)
		return
	}
	c.JSON(http.StatusCreated, approval)
}

func (h *AutomationHandler) ListApprovals(c *gin.Context) {
	var req services.ApprovalListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error(), Code: "VALIDATION_ERROR"})
		return
	}
	approvals, total, err := h.approvals.List(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to list approvals", err)
		return
	}
	c.JSON(http.StatusOK, newPaginated(approvals, total, req.Page, req.PageSize))
}

func (h *AutomationHandler) GetApproval(c *gin.Context) {
	approval, err := h.approvals.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to get approval", err)
		return
	}
	c.JSON(http.StatusOK, approval)
}

// Preview runs the approval as a dry run.
func (h *AutomationHandler) Preview(c *gin.Context) {
	result, err := h.approvals.Preview(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to preview", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Execute runs an approved proposal. The body is optional; {"dryRun": true} behaves like
// Preview.
func (h *AutomationHandler) Execute(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	var req services.ExecuteRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error(), Code: "VALIDATION_ERROR"})
			return
		}
	}
	result, err := h.approvals.Execute(c.Request.Context(), c.Param("id"), actor, req.DryRun)
	if err != nil {
		respondError(c, "Failed to execute", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *AutomationHandler) Timeline(c *gin.Context) {
	tl, err := h.timeline.Build(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to build timeline", err)
		return
	}
	c.JSON(http.StatusOK, tl)
}

// RegisterAutomationRoutes mounts the automation routes under r. adminOnly guards policy
// writes; idem wraps mutating routes.
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler, adminOnly, idem gin.HandlerFunc) {
	auto := r.Group("/automation")
	{
		auto.GET("/proposals", handler.ListProposals)
		auto.GET("/policies", handler.ListPolicies)
		auto.PUT("/policies/:type", adminOnly, idem, handler.UpdatePolicy)

		auto.GET("/approvals", handler.ListApprovals)
		auto.POST("/approvals", idem, handler.Decide)
		auto.GET("/approvals/:id", handler.GetApproval)
		auto.POST("/approvals/:id/preview", handler.Preview)
		auto.POST("/approvals/:id/execute", idem, handler.Execute)
		auto.GET("/approvals/:id/timeline", handler.Timeline)
	}
}
