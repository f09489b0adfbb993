package services

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/models"
)

// CandidateService scans invoices and tickets for automation signals.
type CandidateService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewCandidateService(db *gorm.DB, logger *logrus.Logger) *CandidateService {
	if logger == nil {
		logger = logrus.New()
	}
	return &CandidateService{db: db, logger: logger}
}

// wholeDays is the number of complete 24h periods between from and to, never negative.
func wholeDays(from, to time.Time) int {
	d := to.Sub(from)
	if d <= 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// OverdueInvoices lists unpaid invoices whose due date has passed.
func (s *CandidateService) OverdueInvoices(ctx context.Context, now time.Time) ([]InvoiceCandidate, error) {
	var invoices []models.Invoice
	if err := s.db.WithContext(ctx).
		Where("status = ? AND due_date < ?", models.InvoiceStatusUnpaid, now).
		Order("id ASC").
		Find(&invoices).Error; err != nil {
		return nil, err
	}
	out := make([]InvoiceCandidate, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, InvoiceCandidate{
			InvoiceID:   strconv.FormatUint(uint64(inv.ID), 10),
			TenantID:    strconv.FormatUint(uint64(inv.TenantID), 10),
			RoomID:      strconv.FormatUint(uint64(inv.RoomID), 10),
			PeriodMonth: inv.PeriodMonth,
			OverdueDays: wholeDays(inv.DueDate, now),
		})
	}
	return out, nil
}

// NoReplyTickets lists open, unescalated tickets that have never had a staff reply.
func (s *CandidateService) NoReplyTickets(ctx context.Context, now time.Time) ([]TicketCandidate, error) {
	var tickets []models.Ticket
	if err := s.db.WithContext(ctx).
		Where("status = ? AND last_reply_at IS NULL AND escalated_at IS NULL", models.TicketStatusOpen).
		Order("id ASC").
		Find(&tickets).Error; err != nil {
		return nil, err
	}
	out := make([]TicketCandidate, 0, len(tickets))
	for _, tk := range tickets {
		out = append(out, TicketCandidate{
			TicketID:    strconv.FormatUint(uint64(tk.ID), 10),
			DaysOpen:    wholeDays(tk.CreatedAt, now),
			LastReplyAt: tk.LastReplyAt,
		})
	}
	return out, nil
}
