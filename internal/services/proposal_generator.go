package services

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/models"
)

// InvoiceCandidate an unpaid invoice past its due date.
type InvoiceCandidate struct {
	InvoiceID   string `json:"invoiceId"`
	TenantID    string `json:"tenantId"`
	RoomID      string `json:"roomId"`
	PeriodMonth string `json:"periodMonth"`
	OverdueDays int    `json:"overdueDays"`
}

// TicketCandidate an open ticket nobody on staff has answered yet.
type TicketCandidate struct {
	TicketID    string     `json:"ticketId"`
	DaysOpen    int        `json:"daysOpen"`
	LastReplyAt *time.Time `json:"lastReplyAt,omitempty"`
}

// ProposalEpoch is the generatedAt stamped on every proposal. Generation time carries no
// meaning, and a fixed value keeps identical inputs producing identical proposals.
var ProposalEpoch = time.Unix(0, 0).UTC()

// proposalNamespace scopes the name based (v5) proposal ids.
var proposalNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("apartmentbot:automation:proposal"))

const (
	remindInvoiceAction  = "Send payment reminder to tenant"
	escalateTicketAction = "Escalate ticket to property manager"
)

// GenerateProposals turns candidate signals into proposals, invoices first then tickets,
// each in input order. Invoices qualify at overdueDays >= minOverdueDays, tickets only at
// daysOpen > thresholdDays.
func GenerateProposals(invoices []InvoiceCandidate, tickets []TicketCandidate, minOverdueDays, thresholdDays int) []models.Proposal {
	out := make([]models.Proposal, 0, len(invoices)+len(tickets))
	for _, inv := range invoices {
		if inv.OverdueDays < minOverdueDays {
			continue
		}
		out = append(out, models.Proposal{
			ID:                ProposalID(models.ProposalRemindInvoice, models.SourceOverdueInvoice, inv.InvoiceID, inv.OverdueDays),
			Type:              models.ProposalRemindInvoice,
			Source:            models.SourceOverdueInvoice,
			TargetID:          inv.InvoiceID,
			RecommendedAction: remindInvoiceAction,
			Reason:            fmt.Sprintf("Invoice %s overdue %d days without payment confirmation", inv.InvoiceID, inv.OverdueDays),
			Severity:          SeverityForDays(inv.OverdueDays),
			GeneratedAt:       ProposalEpoch,
		})
	}
	for _, tk := range tickets {
		if tk.DaysOpen <= thresholdDays {
			continue
		}
		out = append(out, models.Proposal{
			ID:                ProposalID(models.ProposalEscalateTicket, models.SourceNoReplyTicket, tk.TicketID, tk.DaysOpen),
			Type:              models.ProposalEscalateTicket,
			Source:            models.SourceNoReplyTicket,
			TargetID:          tk.TicketID,
			RecommendedAction: escalateTicketAction,
			Reason:            fmt.Sprintf("Ticket %s no tenant response for %d days", tk.TicketID, tk.DaysOpen),
			Severity:          SeverityForDays(tk.DaysOpen),
			GeneratedAt:       ProposalEpoch,
		})
	}
	return out
}

// SeverityForDays maps an age in days onto a severity. CRITICAL is never produced here.
func SeverityForDays(days int) models.Severity {
	switch {
	case days >= 8:
		return models.SeverityHigh
	case days >= 4:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// ProposalID derives the stable id of a proposal from its type, source, target and the
// metric that triggered it. The same signal on the same day always yields the same id.
func ProposalID(t models.ProposalType, source models.ProposalSource, targetID string, metric int) string {
	name := fmt.Sprintf("%s|%s|%s|%d", t, source, targetID, metric)
	return uuid.NewSHA1(proposalNamespace, []byte(name)).String()
}
