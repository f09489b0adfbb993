package services

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/models"
)

// ExecutionFlags enables each side effect separately. The zero value is a dry run.
type ExecutionFlags struct {
	RemindInvoice  bool
	EscalateTicket bool
	Audit          bool
}

// LiveFlags enables every action.
func LiveFlags() ExecutionFlags {
	return ExecutionFlags{RemindInvoice: true, EscalateTicket: true, Audit: true}
}

// InvoiceReminder queues a payment reminder for an invoice.
type InvoiceReminder interface {
	EnqueueInvoiceReminder(ctx context.Context, invoiceID string) error
}

// TicketEscalator marks a ticket as escalated.
type TicketEscalator interface {
	EscalateTicket(ctx context.Context, ticketID string) error
}

// Executor performs the action behind a proposal. It never returns an error: collaborator
// failures become FAILED results so callers can always record what happened.
type Executor struct {
	reminders InvoiceReminder
	escalator TicketEscalator
	logger    *logrus.Logger
}

func NewExecutor(reminders InvoiceReminder, escalator TicketEscalator, logger *logrus.Logger) *Executor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Executor{reminders: reminders, escalator: escalator, logger: logger}
}

func targetTypeFor(t models.ProposalType) string {
	switch t {
	case models.ProposalRemindInvoice:
		return models.TargetTypeInvoice
	case models.ProposalEscalateTicket:
		return models.TargetTypeTicket
	default:
		return models.TargetTypeUnknown
	}
}

// Execute runs p under flags.
func (e *Executor) Execute(ctx context.Context, p models.Proposal, flags ExecutionFlags) (result models.ExecutionResult) {
	result = models.ExecutionResult{TargetType: targetTypeFor(p.Type), TargetID: p.TargetID}

	var (
		enabled bool
		action  func(context.Context, string) error
	)
	switch p.Type {
	case models.ProposalRemindInvoice:
		enabled = flags.RemindInvoice
		if e.reminders != nil {
			action = e.reminders.EnqueueInvoiceReminder
		}
	case models.ProposalEscalateTicket:
		enabled = flags.EscalateTicket
		if e.escalator != nil {
			action = e.escalator.EscalateTicket
		}
	default:
		result.Status = models.ExecutionFailed
		result.Reason = fmt.Sprintf("unsupported proposal type: %s", p.Type)
		return result
	}

	if !enabled {
		result.Status = models.ExecutionSkipped
		result.Reason = "Feature disabled"
		return result
	}
	if action == nil {
		result.Status = models.ExecutionFailed
		result.Reason = fmt.Sprintf("no handler configured for %s", p.Type)
		return result
	}

	defer func() {
		if r := recover(); r != nil {
			result.Status = models.ExecutionFailed
			result.Reason = fmt.Sprintf("panic: %v", r)
			e.logger.WithField("proposal_id", p.ID).Errorf("automation: action panicked: %v", r)
		}
	}()

	if err := action(ctx, p.TargetID); err != nil {
		result.Status = models.ExecutionFailed
		result.Reason = err.Error()
	} else {
		result.Status = models.ExecutionExecuted
	}

	if flags.Audit {
		e.logger.WithFields(logrus.Fields{
			"proposal_id": p.ID,
			"type":        p.Type,
			"target_type": result.TargetType,
			"target_id":   result.TargetID,
			"status":      result.Status,
			"reason":      result.Reason,
		}).Info("automation action executed")
	}
	return result
}
