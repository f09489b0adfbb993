package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/models"
)

type approvalFixture struct {
	db        *gorm.DB
	svc       *ApprovalService
	outbox    *OutboxService
	tickets   *TicketService
	ticket    *models.Ticket
	invoice   *models.Invoice
	escalator *fakeEscalator
	now       time.Time
}

// newApprovalFixture wires the real reminder path and a fake escalator.
func newApprovalFixture(t *testing.T) *approvalFixture {
	t.Helper()
	db := newTestDB(t)
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	log := quietLogger()

	outbox := NewOutboxService(db, &fakeSender{}, log)
	outbox.now = fixedClock(now)
	tickets := NewTicketService(db, outbox, log)
	tickets.now = fixedClock(now)
	escalator := &fakeEscalator{}
	svc := NewApprovalService(db, NewExecutor(outbox, escalator, log), log)
	svc.now = fixedClock(now)

	ticket := seedTicket(t, db, 1, "U-1", now.Add(-72*time.Hour))
	invoice := seedInvoice(t, db, 1, now.Add(-5*24*time.Hour), models.InvoiceStatusUnpaid)

	return &approvalFixture{db: db, svc: svc, outbox: outbox, tickets: tickets, ticket: ticket, invoice: invoice, escalator: escalator, now: now}
}

func (f *approvalFixture) reminderProposal() models.Proposal {
	return GenerateProposals([]InvoiceCandidate{{InvoiceID: "1", TenantID: "1", RoomID: "101", PeriodMonth: "2024-06", OverdueDays: 5}}, nil, 1, 2)[0]
}

func (f *approvalFixture) auditCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.AutomationAudit{}).Count(&n).Error)
	return n
}

func (f *approvalFixture) outboxCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.OutboxMessage{}).Count(&n).Error)
	return n
}

func TestApprovalService_Decide(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()
	p := f.reminderProposal()
	note := "tenant called, still unpaid"

	a, err := f.svc.Decide(ctx, p, models.DecisionApproved, "staff-1", &note)
	require.NoError(t, err)
	assert.Equal(t, p.ID, a.ProposalID)
	assert.Equal(t, "staff-1", a.DecidedBy)
	assert.Len(t, a.ProposalHash, 64)
	assert.True(t, VerifySnapshot(a))

	stored, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, p, stored.ProposalSnapshot)
	assert.Equal(t, a.ProposalHash, stored.ProposalHash)
	assert.True(t, VerifySnapshot(stored))
	require.NotNil(t, stored.Note)
	assert.Equal(t, note, *stored.Note)

	_, err = f.svc.Decide(ctx, p, models.DecisionRejected, "staff-2", nil)
	assert.ErrorIs(t, err, ErrProposalAlreadyDecided)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestApprovalService_Decide_Concurrent(t *testing.T) {
	f := newApprovalFixture(t)
	p := f.reminderProposal()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Decide(context.Background(), p, models.DecisionApproved, "staff", nil)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrProposalAlreadyDecided)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestApprovalService_Decide_Validation(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()
	p := f.reminderProposal()

	_, err := f.svc.Decide(ctx, models.Proposal{}, models.DecisionApproved, "staff", nil)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.Decide(ctx, p, "MAYBE", "staff", nil)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.Decide(ctx, p, models.DecisionApproved, "", nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestApprovalService_ExecuteOnce(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()
	a, err := f.svc.Decide(ctx, f.reminderProposal(), models.DecisionApproved, "staff-1", nil)
	require.NoError(t, err)

	first, err := f.svc.Execute(ctx, a.ID, "staff-1", false)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionExecuted, first.Status)
	assert.Equal(t, models.TargetTypeInvoice, first.TargetType)
	assert.Equal(t, "1", first.TargetID)

	second, err := f.svc.Execute(ctx, a.ID, "staff-1", false)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSkipped, second.Status)
	assert.Equal(t, "Already executed", second.Reason)

	assert.Equal(t, int64(1), f.auditCount(t))
	assert.Equal(t, int64(1), f.outboxCount(t))

	stored, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ExecutedAt)
	require.NotNil(t, stored.ExecuteResult)
	assert.Equal(t, first, *stored.ExecuteResult)

	audits, err := f.svc.ListAudits(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, models.AuditExecute, audits[0].Action)
	assert.Equal(t, "staff-1", audits[0].ActorID)
	assert.False(t, audits[0].DryRun)
	assert.Equal(t, first, audits[0].Result)
}

func TestApprovalService_ExecuteConcurrent(t *testing.T) {
	f := newApprovalFixture(t)
	a, err := f.svc.Decide(context.Background(), f.reminderProposal(), models.DecisionApproved, "staff", nil)
	require.NoError(t, err)

	const n = 6
	results := make([]models.ExecutionResult, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], _ = f.svc.Execute(context.Background(), a.ID, "staff", false)
		}(i)
	}
	wg.Wait()

	executed := 0
	for _, r := range results {
		if r.Status == models.ExecutionExecuted {
			executed++
		} else {
			assert.Equal(t, "Already executed", r.Reason)
		}
	}
	assert.Equal(t, 1, executed)
	assert.Equal(t, int64(1), f.auditCount(t))
	assert.Equal(t, int64(1), f.outboxCount(t))
}

func TestApprovalService_FailedExecutionIsAudited(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()
	// paid in the meantime
	require.NoError(t, f.db.Model(f.invoice).Update("status", models.InvoiceStatusPaid).Error)

	a, err := f.svc.Decide(ctx, f.reminderProposal(), models.DecisionApproved, "staff", nil)
	require.NoError(t, err)

	res, err := f.svc.Execute(ctx, a.ID, "staff", false)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, res.Status)
	assert.Contains(t, res.Reason, "already paid")

	audits, err := f.svc.ListAudits(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, models.AuditFail, audits[0].Action)

	// a failed run still counts as the one execution
	again, err := f.svc.Execute(ctx, a.ID, "staff", false)
	require.NoError(t, err)
	assert.Equal(t, "Already executed", again.Reason)
}

func TestApprovalService_PreviewParity(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()
	a, err := f.svc.Decide(ctx, f.reminderProposal(), models.DecisionApproved, "staff", nil)
	require.NoError(t, err)

	preview, err := f.svc.Preview(ctx, a.ID)
	require.NoError(t, err)
	dry, err := f.svc.Execute(ctx, a.ID, "staff", true)
	require.NoError(t, err)

	assert.Equal(t, dry, preview)
	assert.Equal(t, models.ExecutionSkipped, preview.Status)
	assert.Equal(t, "Feature disabled", preview.Reason)

	stored, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ExecutedAt)
	assert.Nil(t, stored.ExecuteResult)
	assert.Equal(t, int64(0), f.auditCount(t))
	assert.Equal(t, int64(0), f.outboxCount(t))

	// after a real run both report the same short circuit
	_, err = f.svc.Execute(ctx, a.ID, "staff", false)
	require.NoError(t, err)
	preview, err = f.svc.Preview(ctx, a.ID)
	require.NoError(t, err)
	dry, err = f.svc.Execute(ctx, a.ID, "staff", true)
	require.NoError(t, err)
	assert.Equal(t, dry, preview)
	assert.Equal(t, "Already executed", preview.Reason)
	assert.Equal(t, int64(1), f.auditCount(t))
}

func TestApprovalService_ExecuteRequiresApproved(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()
	a, err := f.svc.Decide(ctx, f.reminderProposal(), models.DecisionRejected, "staff", nil)
	require.NoError(t, err)

	_, err = f.svc.Execute(ctx, a.ID, "staff", false)
	assert.ErrorIs(t, err, ErrApprovalNotApproved)
	_, err = f.svc.Preview(ctx, a.ID)
	assert.ErrorIs(t, err, ErrApprovalNotApproved)
	assert.Equal(t, int64(0), f.auditCount(t))
}

func TestApprovalService_ExecuteUsesSnapshot(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()
	p := models.Proposal{
		ID:       ProposalID(models.ProposalEscalateTicket, models.SourceNoReplyTicket, "1", 3),
		Type:     models.ProposalEscalateTicket,
		Source:   models.SourceNoReplyTicket,
		TargetID: "1",
		Severity: models.SeverityLow,
	}
	a, err := f.svc.Decide(ctx, p, models.DecisionApproved, "staff", nil)
	require.NoError(t, err)

	res, err := f.svc.Execute(ctx, a.ID, "staff", false)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionExecuted, res.Status)
	assert.Equal(t, []string{"1"}, f.escalator.calls)
}

func TestApprovalService_TamperedSnapshot(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()
	a, err := f.svc.Decide(ctx, f.reminderProposal(), models.DecisionApproved, "staff", nil)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&models.Approval{}).Where("id = ?", a.ID).Update("proposal_hash", "deadbeef").Error)

	_, err = f.svc.Execute(ctx, a.ID, "staff", false)
	assert.ErrorIs(t, err, ErrSnapshotTampered)
	stored, _ := f.svc.Get(ctx, a.ID)
	assert.Nil(t, stored.ExecutedAt)
}

func TestApprovalService_GetErrors(t *testing.T) {
	f := newApprovalFixture(t)
	_, err := f.svc.Get(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.Get(context.Background(), "6f1c1c40-0000-4000-8000-000000000000")
	assert.ErrorIs(t, err, ErrApprovalNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApprovalService_List(t *testing.T) {
	f := newApprovalFixture(t)
	ctx := context.Background()
	approved, err := f.svc.Decide(ctx, f.reminderProposal(), models.DecisionApproved, "staff", nil)
	require.NoError(t, err)
	_, err = f.svc.Decide(ctx, models.Proposal{ID: "other", Type: models.ProposalEscalateTicket, TargetID: "1"}, models.DecisionRejected, "staff", nil)
	require.NoError(t, err)
	_, err = f.svc.Execute(ctx, approved.ID, "staff", false)
	require.NoError(t, err)

	all, total, err := f.svc.List(ctx, &ApprovalListRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, all, 2)

	rejected, total, err := f.svc.List(ctx, &ApprovalListRequest{Decision: "rejected"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, models.DecisionRejected, rejected[0].Decision)

	executed := true
	done, total, err := f.svc.List(ctx, &ApprovalListRequest{Executed: &executed})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, approved.ID, done[0].ID)
}
