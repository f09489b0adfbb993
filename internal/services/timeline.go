package services

import (
	"context"
	"errors"
	"time"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/models"
)

const (
	// TimelineDecision tags the first event of every timeline. The decision itself is in
	// the approval.
	TimelineDecision    = "APPROVED"
	TimelinePreview     = "PREVIEW"
	timelineAuditPrefix = "AUDIT_"
)

// TimelineEvent one entry of an approval's history.
type TimelineEvent struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Timeline everything known about one approval.
type Timeline struct {
	Approval *models.Approval         `json:"approval"`
	Preview  models.ExecutionResult   `json:"preview"`
	Audits   []models.AutomationAudit `json:"audits"`
	Timeline []TimelineEvent          `json:"timeline"`
}

// TimelineService assembles approval timelines.
type TimelineService struct {
	approvals *ApprovalService
	now       func() time.Time
}

func NewTimelineService(approvals *ApprovalService) *TimelineService {
	return &TimelineService{approvals: approvals, now: time.Now}
}

// Build returns the decision, a preview computed now, then every audit row in order.
// The preview timestamp is read time and may be later than audit entries after it.
func (s *TimelineService) Build(ctx context.Context, approvalID string) (*Timeline, error) {
	approval, err := s.approvals.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	preview, err := s.approvals.Preview(ctx, approvalID)
	if err != nil {
		var coded *CodedError
		if !errors.As(err, &coded) || coded.Kind != ErrConflict {
			return nil, err
		}
		// rejected or tampered approvals still have a history
		preview = models.ExecutionResult{
			Status:     models.ExecutionSkipped,
			Reason:     coded.Msg,
			TargetType: targetTypeFor(approval.ProposalSnapshot.Type),
			TargetID:   approval.ProposalSnapshot.TargetID,
		}
	}
	audits, err := s.approvals.ListAudits(ctx, approval.ID)
	if err != nil {
		return nil, err
	}

	events := make([]TimelineEvent, 0, len(audits)+2)
	events = append(events,
		TimelineEvent{Type: TimelineDecision, Timestamp: approval.DecidedAt, Payload: approval.ProposalSnapshot},
		TimelineEvent{Type: TimelinePreview, Timestamp: s.now(), Payload: preview},
	)
	for _, a := range audits {
		events = append(events, TimelineEvent{
			Type:      timelineAuditPrefix + string(a.Action),
			Timestamp: a.CreatedAt,
			Payload:   a,
		})
	}
	return &Timeline{Approval: approval, Preview: preview, Audits: audits, Timeline: events}, nil
}
