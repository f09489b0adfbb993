package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// PurgeResult rows removed by one maintenance pass.
type PurgeResult struct {
	OutboxMessages     int64 `json:"outboxMessages"`
	IdempotencyRecords int64 `json:"idempotencyRecords"`
}

// MaintenanceService applies the retention policy: delivered or failed outbox messages
// are kept for the retention period, idempotency records until they expire.
type MaintenanceService struct {
	outbox          *OutboxService
	idempotency     *IdempotencyService
	outboxRetention time.Duration
	logger          *logrus.Logger
}

func NewMaintenanceService(outbox *OutboxService, idempotency *IdempotencyService, outboxRetention time.Duration, logger *logrus.Logger) *MaintenanceService {
	if logger == nil {
		logger = logrus.New()
	}
	if outboxRetention <= 0 {
		outboxRetention = 30 * 24 * time.Hour
	}
	return &MaintenanceService{
		outbox:          outbox,
		idempotency:     idempotency,
		outboxRetention: outboxRetention,
		logger:          logger,
	}
}

// Purge runs one retention pass.
func (m *MaintenanceService) Purge(ctx context.Context) (*PurgeResult, error) {
	res := &PurgeResult{}
	var err error
	if res.OutboxMessages, err = m.outbox.PurgeDelivered(ctx, m.outboxRetention); err != nil {
		return nil, err
	}
	if res.IdempotencyRecords, err = m.idempotency.PurgeExpired(ctx); err != nil {
		return nil, err
	}
	m.logger.WithFields(logrus.Fields{
		"outbox_messages":     res.OutboxMessages,
		"idempotency_records": res.IdempotencyRecords,
	}).Info("retention purge finished")
	return res, nil
}

// Run purges every interval until ctx is done.
func (m *MaintenanceService) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Purge(ctx); err != nil {
				m.logger.Errorf("maintenance: purge failed: %v", err)
			}
		}
	}
}
