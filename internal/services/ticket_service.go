package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/models"
)

const (
	escalatedPriority = "urgent"
	escalatedTag      = "escalated"
)

// TicketReplyRequest staff reply body.
type TicketReplyRequest struct {
	Text string `json:"text" binding:"required"`
}

// TicketReplyResult the stored reply and the outbox message that will deliver it.
type TicketReplyResult struct {
	Message *models.TicketMessage `json:"message"`
	Outbox  *models.OutboxMessage `json:"outbox"`
}

// TicketService ticket replies and escalation.
type TicketService struct {
	db     *gorm.DB
	outbox *OutboxService
	logger *logrus.Logger
	now    func() time.Time
}

func NewTicketService(db *gorm.DB, outbox *OutboxService, logger *logrus.Logger) *TicketService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TicketService{db: db, outbox: outbox, logger: logger, now: time.Now}
}

// Get loads a ticket with its messages.
func (s *TicketService) Get(ctx context.Context, id uint) (*models.Ticket, error) {
	var ticket models.Ticket
	err := s.db.WithContext(ctx).
		Preload("Messages", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC, id ASC") }).
		First(&ticket, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// Reply records a staff reply and queues it for delivery in one transaction.
func (s *TicketService) Reply(ctx context.Context, ticketID uint, actorID string, req *TicketReplyRequest) (*TicketReplyResult, error) {
	if req == nil || strings.TrimSpace(req.Text) == "" {
		return nil, invalid("text", "must not be empty")
	}
	text := strings.TrimSpace(req.Text)
	now := s.now()

	result := &TicketReplyResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ticket models.Ticket
		if err := tx.First(&ticket, ticketID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTicketNotFound
			}
			return err
		}
		if ticket.Status == models.TicketStatusClosed {
			return ErrTicketClosed
		}

		msg := &models.TicketMessage{
			TicketID:  ticket.ID,
			Sender:    models.MessageSenderStaff,
			AuthorID:  actorID,
			Content:   text,
			CreatedAt: now,
		}
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Ticket{}).Where("id = ?", ticket.ID).
			Updates(map[string]interface{}{"last_reply_at": now, "updated_at": now}).Error; err != nil {
			return err
		}
		out, err := s.outbox.enqueueTx(tx, &ticket, text, "ticket_reply")
		if err != nil {
			return err
		}
		result.Message = msg
		result.Outbox = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"ticket_id": ticketID,
		"outbox_id": result.Outbox.ID,
		"actor":     actorID,
	}).Info("ticket reply queued")
	return result, nil
}

// EscalateTicket raises the ticket to urgent, tags it and leaves a system note.
// Escalating an already escalated ticket is a no-op.
func (s *TicketService) EscalateTicket(ctx context.Context, ticketID string) error {
	id, err := strconv.ParseUint(ticketID, 10, 64)
	if err != nil {
		return invalid("ticketId", "invalid ticket id %q", ticketID)
	}
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ticket models.Ticket
		if err := tx.First(&ticket, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTicketNotFound
			}
			return err
		}
		if ticket.Status == models.TicketStatusClosed {
			return ErrTicketClosed
		}
		if ticket.EscalatedAt != nil {
			return nil
		}
		res := tx.Model(&models.Ticket{}).
			Where("id = ? AND escalated_at IS NULL", ticket.ID).
			Updates(map[string]interface{}{
				"priority":     escalatedPriority,
				"tags":         addTag(ticket.Tags, escalatedTag),
				"escalated_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Create(&models.TicketMessage{
			TicketID:  ticket.ID,
			Sender:    models.MessageSenderSystem,
			Content:   "Escalated to property manager: no staff response yet",
			CreatedAt: now,
		}).Error
	})
}

// addTag appends tag to a comma separated list unless it is already there.
func addTag(tags, tag string) string {
	if tags == "" {
		return tag
	}
	for _, t := range strings.Split(tags, ",") {
		if strings.TrimSpace(t) == tag {
			return tags
		}
	}
	return tags + "," + tag
}
