package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/metrics"
	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/models"
	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/pkg/canonical"
)

const reasonAlreadyExecuted = "Already executed"

// DecideRequest body of a decision on a listed proposal.
type DecideRequest struct {
	ProposalID string          `json:"proposalId" binding:"required"`
	Decision   models.Decision `json:"decision" binding:"required"`
	Note       *string         `json:"note"`
}

// ExecuteRequest body of an execution.
type ExecuteRequest struct {
	DryRun bool `json:"dryRun"`
}

// ApprovalListRequest filter for listing approvals.
type ApprovalListRequest struct {
	Decision string `form:"decision"`
	Executed *bool  `form:"executed"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}

// ApprovalService records decisions on proposals and executes approved ones at most once.
type ApprovalService struct {
	db       *gorm.DB
	executor *Executor
	logger   *logrus.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewApprovalService(db *gorm.DB, executor *Executor, logger *logrus.Logger) *ApprovalService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ApprovalService{
		db:       db,
		executor: executor,
		logger:   logger,
		tracer:   otel.Tracer("apartmentbot.approval"),
		now:      time.Now,
	}
}

// Decide stores the decision on proposal. The unique index on proposal_id makes a second
// decision fail with ErrProposalAlreadyDecided, also when both race.
func (s *ApprovalService) Decide(ctx context.Context, proposal models.Proposal, decision models.Decision, actorID string, note *string) (*models.Approval, error) {
	if strings.TrimSpace(proposal.ID) == "" {
		return nil, invalid("proposalId", "required")
	}
	if proposal.Type == "" || proposal.TargetID == "" {
		return nil, invalid("proposal", "type and targetId are required")
	}
	if decision != models.DecisionApproved && decision != models.DecisionRejected {
		return nil, invalid("decision", "must be APPROVED or REJECTED")
	}
	if actorID == "" {
		return nil, invalid("actor", "required")
	}
	if note != nil && strings.TrimSpace(*note) == "" {
		note = nil
	}

	hash, err := canonical.Hash(proposal)
	if err != nil {
		return nil, err
	}
	now := s.now()
	approval := &models.Approval{
		ID:               uuid.NewString(),
		ProposalID:       proposal.ID,
		Decision:         decision,
		DecidedBy:        actorID,
		DecidedAt:        now,
		Note:             note,
		ProposalSnapshot: proposal,
		ProposalHash:     hash,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "proposal_id"}}, DoNothing: true}).
		Create(approval)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrProposalAlreadyDecided
		}
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrProposalAlreadyDecided
	}

	s.logger.WithFields(logrus.Fields{
		"approval_id": approval.ID,
		"proposal_id": proposal.ID,
		"decision":    decision,
		"actor":       actorID,
	}).Info("proposal decided")
	return approval, nil
}

// Get loads an approval by id.
func (s *ApprovalService) Get(ctx context.Context, id string) (*models.Approval, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, invalid("approvalId", "invalid approval id %q", id)
	}
	var approval models.Approval
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&approval).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrApprovalNotFound
		}
		return nil, err
	}
	return &approval, nil
}

// List pages through approvals, most recent decision first.
func (s *ApprovalService) List(ctx context.Context, req *ApprovalListRequest) ([]models.Approval, int64, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 || req.PageSize > 100 {
		req.PageSize = 20
	}
	q := s.db.WithContext(ctx).Model(&models.Approval{})
	if req.Decision != "" {
		q = q.Where("decision = ?", strings.ToUpper(req.Decision))
	}
	if req.Executed != nil {
		if *req.Executed {
			q = q.Where("executed_at IS NOT NULL")
		} else {
			q = q.Where("executed_at IS NULL")
		}
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var approvals []models.Approval
	if err := q.Order("decided_at DESC, id DESC").
		Offset((req.Page - 1) * req.PageSize).
		Limit(req.PageSize).
		Find(&approvals).Error; err != nil {
		return nil, 0, err
	}
	return approvals, total, nil
}

// VerifySnapshot reports whether the stored snapshot still hashes to ProposalHash.
func VerifySnapshot(a *models.Approval) bool {
	h, err := canonical.Hash(a.ProposalSnapshot)
	return err == nil && h == a.ProposalHash
}

// Execute runs the approved proposal snapshot. A real run happens at most once per
// approval: the executed_at claim is a conditional update, so of two racing calls only
// one runs the action and writes the audit row. A dry run changes nothing.
func (s *ApprovalService) Execute(ctx context.Context, approvalID, actorID string, dryRun bool) (models.ExecutionResult, error) {
	ctx, span := s.tracer.Start(ctx, "approval.execute")
	defer span.End()
	span.SetAttributes(attribute.String("approval.id", approvalID), attribute.Bool("approval.dry_run", dryRun))

	approval, err := s.Get(ctx, approvalID)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	if approval.Decision != models.DecisionApproved {
		return models.ExecutionResult{}, ErrApprovalNotApproved
	}
	snapshot := approval.ProposalSnapshot
	if approval.ExecutedAt != nil {
		return alreadyExecuted(snapshot), nil
	}
	if !VerifySnapshot(approval) {
		s.logger.WithField("approval_id", approval.ID).Error("proposal snapshot hash mismatch")
		return models.ExecutionResult{}, ErrSnapshotTampered
	}

	if dryRun {
		return s.executor.Execute(ctx, snapshot, ExecutionFlags{}), nil
	}

	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.Approval{}).
		Where("id = ? AND executed_at IS NULL", approval.ID).
		Updates(map[string]interface{}{"executed_at": now, "updated_at": now})
	if res.Error != nil {
		return models.ExecutionResult{}, res.Error
	}
	if res.RowsAffected == 0 {
		return alreadyExecuted(snapshot), nil
	}

	// The claim is taken: finish the work even if the caller goes away.
	workCtx := context.WithoutCancel(ctx)
	result := s.executor.Execute(workCtx, snapshot, LiveFlags())
	span.SetAttributes(attribute.String("approval.result", string(result.Status)))
	metrics.IncExecution(string(result.Status))

	if err := s.db.WithContext(workCtx).Model(&models.Approval{ID: approval.ID}).
		Updates(&models.Approval{ExecuteResult: &result}).Error; err != nil {
		s.logger.WithField("approval_id", approval.ID).Warnf("store execute result failed: %v", err)
	}
	s.appendAudit(workCtx, approval, actorID, result)

	s.logger.WithFields(logrus.Fields{
		"approval_id": approval.ID,
		"proposal_id": approval.ProposalID,
		"status":      result.Status,
		"actor":       actorID,
	}).Info("approval executed")
	return result, nil
}

// Preview is Execute as a dry run.
func (s *ApprovalService) Preview(ctx context.Context, approvalID string) (models.ExecutionResult, error) {
	return s.Execute(ctx, approvalID, "", true)
}

// appendAudit writes the audit row for a real execution. Failures are logged only.
func (s *ApprovalService) appendAudit(ctx context.Context, approval *models.Approval, actorID string, result models.ExecutionResult) {
	audit := &models.AutomationAudit{
		ID:         uuid.NewString(),
		ApprovalID: approval.ID,
		ProposalID: approval.ProposalID,
		Action:     models.AuditActionFor(result.Status),
		ActorID:    actorID,
		DryRun:     false,
		Result:     result,
		CreatedAt:  s.now(),
	}
	if err := s.db.WithContext(ctx).Create(audit).Error; err != nil {
		s.logger.WithFields(logrus.Fields{
			"approval_id": approval.ID,
			"action":      audit.Action,
		}).Warnf("automation audit write failed: %v", err)
	}
}

// ListAudits returns the audit rows of an approval, oldest first.
func (s *ApprovalService) ListAudits(ctx context.Context, approvalID string) ([]models.AutomationAudit, error) {
	var audits []models.AutomationAudit
	err := s.db.WithContext(ctx).
		Where("approval_id = ?", approvalID).
		Order("created_at ASC, id ASC").
		Find(&audits).Error
	return audits, err
}

func alreadyExecuted(p models.Proposal) models.ExecutionResult {
	return models.ExecutionResult{
		Status:     models.ExecutionSkipped,
		Reason:     reasonAlreadyExecuted,
		TargetType: targetTypeFor(p.Type),
		TargetID:   p.TargetID,
	}
}
