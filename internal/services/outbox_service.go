package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/metrics"
	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/models"
)

// MaxDeliveryAttempts is the number of failed sends after which a message is FAILED.
const MaxDeliveryAttempts = 3

// Backoff returns the delay before the next attempt given the retry count after a
// failure. ok is false once the message has no attempts left.
func Backoff(retryCount int) (delay time.Duration, ok bool) {
	switch retryCount {
	case 1:
		return time.Minute, true
	case 2:
		return 5 * time.Minute, true
	default:
		return 0, false
	}
}

// ProcessOutcome what one delivery attempt did to a message.
type ProcessOutcome string

const (
	OutcomeSkipped        ProcessOutcome = "skipped"
	OutcomeSent           ProcessOutcome = "sent"
	OutcomeRetryScheduled ProcessOutcome = "retry"
	OutcomeFailed         ProcessOutcome = "failed"
)

// OutboxBatchResult summary of a batch run. Transient failures will be retried,
// permanent ones need a person to look at them.
type OutboxBatchResult struct {
	Processed       int `json:"processed"`
	Success         int `json:"success"`
	TransientFailed int `json:"transientFailed"`
	PermanentFailed int `json:"permanentFailed"`
}

// OutboxPreview one eligible message as a dry run would send it.
type OutboxPreview struct {
	MessageID   uint                `json:"messageId"`
	TicketID    uint                `json:"ticketId"`
	Channel     string              `json:"channel"`
	Status      models.OutboxStatus `json:"status"`
	RetryCount  int                 `json:"retryCount"`
	NextRetryAt *time.Time          `json:"nextRetryAt,omitempty"`
	Send        *SendRequest        `json:"send,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// OutboxListRequest filter for listing messages.
type OutboxListRequest struct {
	Status   string `form:"status"`
	TicketID uint   `form:"ticket_id"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}

// OutboxService queues outbound messages and delivers them with retry and backoff.
type OutboxService struct {
	db             *gorm.DB
	sender         MessageSender
	logger         *logrus.Logger
	tracer         trace.Tracer
	lockExpiration time.Duration
	now            func() time.Time
}

func NewOutboxService(db *gorm.DB, sender MessageSender, logger *logrus.Logger) *OutboxService {
	if logger == nil {
		logger = logrus.New()
	}
	if sender == nil {
		sender = NewLogSender(logger)
	}
	return &OutboxService{
		db:             db,
		sender:         sender,
		logger:         logger,
		tracer:         otel.Tracer("apartmentbot.outbox"),
		lockExpiration: 5 * time.Minute,
		now:            time.Now,
	}
}

// SetLockExpiration sets how long a PROCESSING claim is honoured before the batch
// runner takes the message over.
func (s *OutboxService) SetLockExpiration(d time.Duration) {
	if d > 0 {
		s.lockExpiration = d
	}
}

// Enqueue stores a PENDING message for ticketID.
func (s *OutboxService) Enqueue(ctx context.Context, ticketID uint, text, origin string) (*models.OutboxMessage, error) {
	var msg *models.OutboxMessage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ticket models.Ticket
		if err := tx.First(&ticket, ticketID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTicketNotFound
			}
			return err
		}
		var err error
		msg, err = s.enqueueTx(tx, &ticket, text, origin)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// enqueueTx writes the message inside the caller's transaction, so the message exists
// if and only if the business change that produced it was committed.
func (s *OutboxService) enqueueTx(tx *gorm.DB, ticket *models.Ticket, text, origin string) (*models.OutboxMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, invalid("text", "must not be empty")
	}
	payload, err := json.Marshal(models.OutboxPayload{Text: text, Origin: origin})
	if err != nil {
		return nil, fmt.Errorf("marshal outbox payload: %w", err)
	}
	channel := ticket.Channel
	if channel == "" {
		channel = "LINE"
	}
	now := s.now()
	msg := &models.OutboxMessage{
		TicketID:  ticket.ID,
		Channel:   channel,
		Payload:   string(payload),
		Status:    models.OutboxPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.Create(msg).Error; err != nil {
		return nil, err
	}
	return msg, nil
}

// EnqueueInvoiceReminder queues a payment reminder on the tenant's most recent ticket
// that has a messaging thread.
func (s *OutboxService) EnqueueInvoiceReminder(ctx context.Context, invoiceID string) error {
	id, err := strconv.ParseUint(invoiceID, 10, 64)
	if err != nil {
		return invalid("invoiceId", "invalid invoice id %q", invoiceID)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inv models.Invoice
		if err := tx.First(&inv, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInvoiceNotFound
			}
			return err
		}
		if inv.Status == models.InvoiceStatusPaid {
			return fmt.Errorf("invoice %d is already paid", inv.ID)
		}
		var ticket models.Ticket
		err := tx.Where("tenant_id = ? AND external_thread_id <> ''", inv.TenantID).
			Order("created_at DESC, id DESC").
			First(&ticket).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("tenant %d has no messaging thread", inv.TenantID)
		}
		if err != nil {
			return err
		}
		text := fmt.Sprintf("Reminder: your invoice for %s (%s THB) was due on %s and is still unpaid. Please send your payment confirmation.",
			inv.PeriodMonth, formatSatang(inv.Amount), inv.DueDate.Format("2006-01-02"))
		msg, err := s.enqueueTx(tx, &ticket, text, "invoice_reminder")
		if err != nil {
			return err
		}
		s.logger.WithFields(logrus.Fields{
			"invoice_id": inv.ID,
			"ticket_id":  ticket.ID,
			"outbox_id":  msg.ID,
		}).Info("invoice reminder queued")
		return nil
	})
}

func formatSatang(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}

// Get loads one message.
func (s *OutboxService) Get(ctx context.Context, id uint) (*models.OutboxMessage, error) {
	var msg models.OutboxMessage
	if err := s.db.WithContext(ctx).First(&msg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOutboxMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// List pages through messages, newest first.
func (s *OutboxService) List(ctx context.Context, req *OutboxListRequest) ([]models.OutboxMessage, int64, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 || req.PageSize > 100 {
		req.PageSize = 20
	}
	q := s.db.WithContext(ctx).Model(&models.OutboxMessage{})
	if req.Status != "" {
		q = q.Where("status = ?", strings.ToUpper(req.Status))
	}
	if req.TicketID != 0 {
		q = q.Where("ticket_id = ?", req.TicketID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var msgs []models.OutboxMessage
	if err := q.Order("id DESC").Offset((req.Page - 1) * req.PageSize).Limit(req.PageSize).Find(&msgs).Error; err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// Process makes one delivery attempt for message id. Messages that are not PENDING are
// left alone.
func (s *OutboxService) Process(ctx context.Context, id uint) (ProcessOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "outbox.process")
	defer span.End()
	span.SetAttributes(attribute.Int64("outbox.id", int64(id)))

	msg, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if msg.Status != models.OutboxPending {
		span.SetAttributes(attribute.String("outbox.outcome", string(OutcomeSkipped)))
		return OutcomeSkipped, nil
	}
	claimed, err := s.claim(ctx, msg, false)
	if err != nil {
		return "", err
	}
	if !claimed {
		return OutcomeSkipped, nil
	}
	outcome, err := s.deliver(context.WithoutCancel(ctx), msg)
	span.SetAttributes(attribute.String("outbox.outcome", string(outcome)))
	return outcome, err
}

// claim moves msg to PROCESSING with a conditional update. Only one caller can win it.
// With takeStale, a PROCESSING claim older than the lock expiration can be taken over.
func (s *OutboxService) claim(ctx context.Context, msg *models.OutboxMessage, takeStale bool) (bool, error) {
	// updated_at identifies the claim; postgres keeps microseconds
	now := s.now().Truncate(time.Microsecond)
	q := s.db.WithContext(ctx).Model(&models.OutboxMessage{}).Where("id = ?", msg.ID)
	if takeStale {
		q = q.Where("(status = ? OR (status = ? AND updated_at < ?))",
			models.OutboxPending, models.OutboxProcessing, now.Add(-s.lockExpiration))
	} else {
		q = q.Where("status = ?", models.OutboxPending)
	}
	res := q.Updates(map[string]interface{}{
		"status":     models.OutboxProcessing,
		"updated_at": now,
	})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	msg.Status = models.OutboxProcessing
	msg.UpdatedAt = now
	return true, nil
}

// resolve builds the send request for msg from its ticket.
func (s *OutboxService) resolve(ctx context.Context, msg *models.OutboxMessage) (*SendRequest, error) {
	var payload models.OutboxPayload
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		return nil, fmt.Errorf("invalid outbox payload: %w", err)
	}
	if strings.TrimSpace(payload.Text) == "" {
		return nil, fmt.Errorf("outbox payload has no text")
	}
	var ticket models.Ticket
	if err := s.db.WithContext(ctx).First(&ticket, msg.TicketID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("ticket %d not found", msg.TicketID)
		}
		return nil, err
	}
	if ticket.ExternalThreadID == "" {
		return nil, fmt.Errorf("ticket %d has no external thread", ticket.ID)
	}
	return &SendRequest{
		TicketID:         ticket.ID,
		MessageID:        msg.ID,
		Text:             payload.Text,
		ExternalThreadID: ticket.ExternalThreadID,
	}, nil
}

// deliver sends a claimed message and records the result. Every state change is
// conditional on the message still being PROCESSING; if another worker took the claim
// over in the meantime nothing is recorded and the outcome is skipped.
func (s *OutboxService) deliver(ctx context.Context, msg *models.OutboxMessage) (ProcessOutcome, error) {
	req, err := s.resolve(ctx, msg)
	if err == nil {
		err = s.sender.Send(ctx, *req)
	}
	if err == nil {
		changed, err := s.markSent(ctx, msg)
		if err != nil {
			return "", err
		}
		if !changed {
			return s.lostClaim(msg), nil
		}
		metrics.IncOutboxOutcome(string(OutcomeSent))
		return OutcomeSent, nil
	}

	log := s.logger.WithFields(logrus.Fields{
		"outbox_id": msg.ID,
		"ticket_id": msg.TicketID,
		"attempt":   msg.RetryCount + 1,
	})
	var outcome ProcessOutcome
	var markErr error
	if errors.Is(err, ErrCircuitOpen) {
		// not attempted, does not use up a retry
		log.Warn("outbox delivery postponed: sender circuit breaker is open")
		outcome, markErr = s.postpone(ctx, msg, err.Error())
	} else {
		log.Warnf("outbox delivery failed: %v", err)
		outcome, markErr = s.markFailed(ctx, msg, err.Error())
	}
	if markErr != nil {
		return "", markErr
	}
	if outcome == OutcomeSkipped {
		return s.lostClaim(msg), nil
	}
	metrics.IncOutboxOutcome(string(outcome))
	return outcome, nil
}

func (s *OutboxService) lostClaim(msg *models.OutboxMessage) ProcessOutcome {
	s.logger.WithField("outbox_id", msg.ID).Warn("outbox: claim was taken over before the result was recorded")
	return OutcomeSkipped
}

func (s *OutboxService) markSent(ctx context.Context, msg *models.OutboxMessage) (bool, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ? AND status = ? AND updated_at = ?", msg.ID, models.OutboxProcessing, msg.UpdatedAt).
		Updates(map[string]interface{}{
			"status":        models.OutboxSent,
			"sent_at":       now,
			"next_retry_at": nil,
			"error_message": nil,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	msg.Status = models.OutboxSent
	msg.SentAt = &now
	msg.NextRetryAt = nil
	msg.ErrorMessage = nil
	msg.UpdatedAt = now
	return true, nil
}

// markFailed counts a failed attempt. The message goes back to PENDING with a backoff
// until it runs out of attempts, then it is FAILED for good.
func (s *OutboxService) markFailed(ctx context.Context, msg *models.OutboxMessage, errMsg string) (ProcessOutcome, error) {
	now := s.now()
	retryCount := msg.RetryCount + 1
	updates := map[string]interface{}{
		"retry_count":   retryCount,
		"error_message": errMsg,
		"updated_at":    now,
	}
	outcome := OutcomeFailed
	var next *time.Time
	if delay, ok := Backoff(retryCount); ok {
		t := now.Add(delay)
		next = &t
		outcome = OutcomeRetryScheduled
		updates["status"] = models.OutboxPending
		updates["next_retry_at"] = t
	} else {
		updates["status"] = models.OutboxFailed
		updates["next_retry_at"] = nil
	}
	res := s.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ? AND status = ? AND updated_at = ?", msg.ID, models.OutboxProcessing, msg.UpdatedAt).
		Updates(updates)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return OutcomeSkipped, nil
	}
	msg.RetryCount = retryCount
	msg.ErrorMessage = &errMsg
	msg.NextRetryAt = next
	msg.UpdatedAt = now
	if outcome == OutcomeFailed {
		msg.Status = models.OutboxFailed
	} else {
		msg.Status = models.OutboxPending
	}
	return outcome, nil
}

// postpone puts the message back to PENDING for the first backoff step without counting
// an attempt.
func (s *OutboxService) postpone(ctx context.Context, msg *models.OutboxMessage, errMsg string) (ProcessOutcome, error) {
	now := s.now()
	delay, _ := Backoff(1)
	next := now.Add(delay)
	res := s.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ? AND status = ? AND updated_at = ?", msg.ID, models.OutboxProcessing, msg.UpdatedAt).
		Updates(map[string]interface{}{
			"status":        models.OutboxPending,
			"next_retry_at": next,
			"error_message": errMsg,
			"updated_at":    now,
		})
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return OutcomeSkipped, nil
	}
	msg.Status = models.OutboxPending
	msg.NextRetryAt = &next
	msg.ErrorMessage = &errMsg
	msg.UpdatedAt = now
	return OutcomeRetryScheduled, nil
}

// eligible selects up to limit messages ready for an attempt, oldest first: PENDING
// messages whose retry time has come, plus PROCESSING claims that went stale.
func (s *OutboxService) eligible(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	now := s.now()
	var msgs []models.OutboxMessage
	err := s.db.WithContext(ctx).
		Where("(status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)) OR (status = ? AND updated_at < ?)",
			models.OutboxPending, now, models.OutboxProcessing, now.Add(-s.lockExpiration)).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// ProcessBatch delivers up to limit eligible messages one after another.
func (s *OutboxService) ProcessBatch(ctx context.Context, limit int) (*OutboxBatchResult, error) {
	ctx, span := s.tracer.Start(ctx, "outbox.process_batch")
	defer span.End()

	msgs, err := s.eligible(ctx, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := &OutboxBatchResult{}
	for i := range msgs {
		if ctx.Err() != nil {
			break
		}
		msg := &msgs[i]
		claimed, err := s.claim(ctx, msg, true)
		if err != nil {
			s.logger.Warnf("outbox: claim message %d failed: %v", msg.ID, err)
			continue
		}
		if !claimed {
			continue
		}
		outcome, err := s.deliver(context.WithoutCancel(ctx), msg)
		if err != nil {
			s.logger.Errorf("outbox: record delivery of message %d failed: %v", msg.ID, err)
			continue
		}
		result.Processed++
		switch outcome {
		case OutcomeSent:
			result.Success++
		case OutcomeRetryScheduled:
			result.TransientFailed++
		case OutcomeFailed:
			result.PermanentFailed++
		}
	}

	span.SetAttributes(
		attribute.Int("outbox.processed", result.Processed),
		attribute.Int("outbox.success", result.Success),
		attribute.Int("outbox.transient_failed", result.TransientFailed),
		attribute.Int("outbox.permanent_failed", result.PermanentFailed),
	)
	if result.Processed > 0 {
		s.logger.WithFields(logrus.Fields{
			"processed":        result.Processed,
			"success":          result.Success,
			"transient_failed": result.TransientFailed,
			"permanent_failed": result.PermanentFailed,
		}).Info("outbox batch processed")
	}
	return result, nil
}

// DryRunBatch lists what ProcessBatch would send right now without sending or changing
// anything.
func (s *OutboxService) DryRunBatch(ctx context.Context, limit int) ([]OutboxPreview, error) {
	msgs, err := s.eligible(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]OutboxPreview, 0, len(msgs))
	for i := range msgs {
		msg := &msgs[i]
		p := OutboxPreview{
			MessageID:   msg.ID,
			TicketID:    msg.TicketID,
			Channel:     msg.Channel,
			Status:      msg.Status,
			RetryCount:  msg.RetryCount,
			NextRetryAt: msg.NextRetryAt,
		}
		if req, err := s.resolve(ctx, msg); err != nil {
			p.Error = err.Error()
		} else {
			p.Send = req
		}
		out = append(out, p)
	}
	return out, nil
}

// Retry gives a FAILED message a fresh set of attempts.
func (s *OutboxService) Retry(ctx context.Context, id uint) (*models.OutboxMessage, error) {
	msg, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.Status != models.OutboxFailed {
		return nil, invalid("status", "only FAILED messages can be retried, message is %s", msg.Status)
	}
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ? AND status = ?", id, models.OutboxFailed).
		Updates(map[string]interface{}{
			"status":        models.OutboxPending,
			"retry_count":   0,
			"next_retry_at": nil,
			"updated_at":    now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	return s.Get(ctx, id)
}

// PurgeDelivered deletes SENT and FAILED messages last touched before now-olderThan.
// PENDING and PROCESSING messages are never purged.
func (s *OutboxService) PurgeDelivered(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan)
	res := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []models.OutboxStatus{models.OutboxSent, models.OutboxFailed}, cutoff).
		Delete(&models.OutboxMessage{})
	return res.RowsAffected, res.Error
}

// Run processes batches every interval until ctx is done.
func (s *OutboxService) Run(ctx context.Context, interval time.Duration, batchSize int) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Infof("outbox worker started (interval=%s, batch=%d)", interval, batchSize)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("outbox worker stopped")
			return
		case <-ticker.C:
			if _, err := s.ProcessBatch(ctx, batchSize); err != nil {
				s.logger.Errorf("outbox: batch failed: %v", err)
			}
		}
	}
}
