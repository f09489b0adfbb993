package services

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/models"
)

const (
	PolicyReasonDisabled        = "POLICY_DISABLED"
	PolicyReasonTypeMismatch    = "TYPE_MISMATCH"
	PolicyReasonSeverityForbid  = "HIGH_OR_CRITICAL_SEVERITY_FORBIDDEN"
	PolicyReasonSeverityOverMax = "SEVERITY_OVER_POLICY_MAX"
	PolicyReasonOK              = "OK"
)

// PolicyVerdict what a policy would allow for one proposal.
type PolicyVerdict struct {
	CanAutoApprove bool   `json:"canAutoApprove"`
	CanAutoExecute bool   `json:"canAutoExecute"`
	Reason         string `json:"reason"`
}

// EvaluatePolicy applies the policy rules in order, first match wins. HIGH and CRITICAL
// proposals are never auto-approved whatever the policy says.
func EvaluatePolicy(p models.Proposal, policy models.AutomationPolicy) PolicyVerdict {
	switch {
	case !policy.Enabled:
		return PolicyVerdict{Reason: PolicyReasonDisabled}
	case policy.ProposalType != p.Type:
		return PolicyVerdict{Reason: PolicyReasonTypeMismatch}
	case p.Severity == models.SeverityHigh || p.Severity == models.SeverityCritical:
		return PolicyVerdict{Reason: PolicyReasonSeverityForbid}
	case p.Severity.Rank() > policy.MaxSeverity.Rank():
		return PolicyVerdict{Reason: PolicyReasonSeverityOverMax}
	}
	return PolicyVerdict{
		CanAutoApprove: policy.AutoApprove,
		CanAutoExecute: policy.AutoExecute && policy.AutoApprove,
		Reason:         PolicyReasonOK,
	}
}

// PolicyUpdateRequest body of a policy upsert.
type PolicyUpdateRequest struct {
	MaxSeverity models.Severity `json:"maxSeverity"`
	AutoApprove bool            `json:"autoApprove"`
	AutoExecute bool            `json:"autoExecute"`
	DailyLimit  int             `json:"dailyLimit"`
	Enabled     bool            `json:"enabled"`
}

// PolicyService stores automation policies. A type without a stored row gets the
// disabled default policy.
type PolicyService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewPolicyService(db *gorm.DB, logger *logrus.Logger) *PolicyService {
	if logger == nil {
		logger = logrus.New()
	}
	return &PolicyService{db: db, logger: logger}
}

// DefaultPolicy is the policy in force for a type nobody has configured.
func DefaultPolicy(t models.ProposalType) models.AutomationPolicy {
	return models.AutomationPolicy{
		ProposalType: t,
		MaxSeverity:  models.SeverityLow,
		Enabled:      false,
	}
}

// List returns one policy per known proposal type.
func (s *PolicyService) List(ctx context.Context) ([]models.AutomationPolicy, error) {
	var stored []models.AutomationPolicy
	if err := s.db.WithContext(ctx).Find(&stored).Error; err != nil {
		return nil, err
	}
	byType := make(map[models.ProposalType]models.AutomationPolicy, len(stored))
	for _, p := range stored {
		byType[p.ProposalType] = p
	}
	out := make([]models.AutomationPolicy, 0, len(models.ProposalTypes))
	for _, t := range models.ProposalTypes {
		if p, ok := byType[t]; ok {
			out = append(out, p)
		} else {
			out = append(out, DefaultPolicy(t))
		}
	}
	return out, nil
}

// Get returns the policy for t.
func (s *PolicyService) Get(ctx context.Context, t models.ProposalType) (models.AutomationPolicy, error) {
	if !t.Valid() {
		return models.AutomationPolicy{}, invalid("proposalType", "unknown proposal type %q", t)
	}
	var p models.AutomationPolicy
	err := s.db.WithContext(ctx).Where("proposal_type = ?", t).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DefaultPolicy(t), nil
	}
	if err != nil {
		return models.AutomationPolicy{}, err
	}
	return p, nil
}

// Upsert validates and stores the policy for t.
func (s *PolicyService) Upsert(ctx context.Context, t models.ProposalType, req PolicyUpdateRequest, actorID string) (*models.AutomationPolicy, error) {
	if !t.Valid() {
		return nil, invalid("proposalType", "unknown proposal type %q", t)
	}
	if req.MaxSeverity != models.SeverityLow && req.MaxSeverity != models.SeverityMedium {
		return nil, invalid("maxSeverity", "must be LOW or MEDIUM")
	}
	if req.DailyLimit < 0 {
		return nil, invalid("dailyLimit", "must not be negative")
	}
	if req.AutoExecute && !req.AutoApprove {
		return nil, invalid("autoExecute", "requires autoApprove")
	}

	now := time.Now()
	p := &models.AutomationPolicy{
		ProposalType: t,
		MaxSeverity:  req.MaxSeverity,
		AutoApprove:  req.AutoApprove,
		AutoExecute:  req.AutoExecute,
		DailyLimit:   req.DailyLimit,
		Enabled:      req.Enabled,
		UpdatedBy:    actorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "proposal_type"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"max_severity", "auto_approve", "auto_execute", "daily_limit", "enabled", "updated_by", "updated_at",
		}),
	}).Create(p).Error
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"proposal_type": t,
		"enabled":       req.Enabled,
		"max_severity":  req.MaxSeverity,
		"actor":         actorID,
	}).Info("automation policy updated")

	stored, err := s.Get(ctx, t)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}
