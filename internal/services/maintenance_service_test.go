package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/models"
)

func TestMaintenanceService_Purge(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	log := quietLogger()

	outbox := NewOutboxService(db, &fakeSender{}, log)
	outbox.now = fixedClock(now)
	idem := NewIdempotencyService(db, time.Hour, log)
	idem.now = fixedClock(now.Add(-2 * time.Hour))

	ticket := seedTicket(t, db, 1, "U-1", now)
	old := now.Add(-31 * 24 * time.Hour)
	require.NoError(t, db.Create(&models.OutboxMessage{
		TicketID: ticket.ID, Channel: "LINE", Payload: `{"text":"x"}`, Status: models.OutboxSent, CreatedAt: old, UpdatedAt: old,
	}).Error)
	_, _, err := idem.Guard(context.Background(), "k", "POST /x", "h", func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	idem.now = fixedClock(now)

	res, err := NewMaintenanceService(outbox, idem, 30*24*time.Hour, log).Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &PurgeResult{OutboxMessages: 1, IdempotencyRecords: 1}, res)
}

func TestMaintenanceService_RunStopsOnCancel(t *testing.T) {
	db := newTestDB(t)
	log := quietLogger()
	m := NewMaintenanceService(NewOutboxService(db, nil, log), NewIdempotencyService(db, 0, log), 0, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
