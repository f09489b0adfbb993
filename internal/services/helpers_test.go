package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// fakeSender records sends and fails while err is set.
type fakeSender struct {
	mu   sync.Mutex
	sent []SendRequest
	err  error
}

func (f *fakeSender) Send(_ context.Context, req SendRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeReminder / fakeEscalator count calls.
type fakeReminder struct {
	calls []string
	err   error
}

func (f *fakeReminder) EnqueueInvoiceReminder(_ context.Context, id string) error {
	f.calls = append(f.calls, id)
	return f.err
}

type fakeEscalator struct {
	calls []string
	err   error
	panic bool
}

func (f *fakeEscalator) EscalateTicket(_ context.Context, id string) error {
	f.calls = append(f.calls, id)
	if f.panic {
		panic("boom")
	}
	return f.err
}

var errBoom = errors.New("boom")

func seedTicket(t *testing.T, db *gorm.DB, tenantID uint, thread string, createdAt time.Time) *models.Ticket {
	t.Helper()
	tk := &models.Ticket{
		TenantID:         tenantID,
		Title:            "Water leak",
		Channel:          "LINE",
		ExternalThreadID: thread,
		Status:           models.TicketStatusOpen,
		Priority:         "normal",
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
	if err := db.Create(tk).Error; err != nil {
		t.Fatalf("seed ticket: %v", err)
	}
	return tk
}

func seedInvoice(t *testing.T, db *gorm.DB, tenantID uint, due time.Time, status string) *models.Invoice {
	t.Helper()
	inv := &models.Invoice{
		TenantID:    tenantID,
		RoomID:      101,
		PeriodMonth: due.Format("2006-01"),
		Amount:      550000,
		DueDate:     due,
		Status:      status,
	}
	if err := db.Create(inv).Error; err != nil {
		t.Fatalf("seed invoice: %v", err)
	}
	return inv
}
