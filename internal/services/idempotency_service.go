package services

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/models"
)

// IdempotentFunc runs the guarded mutation and returns the response to store.
type IdempotentFunc func(ctx context.Context) (snapshot string, err error)

// IdempotencyService makes a mutating request safe to repeat under the same key.
// The (key, endpoint) unique index decides which request runs; every other request with
// that key either replays the stored response or is rejected.
type IdempotencyService struct {
	db          *gorm.DB
	ttl         time.Duration
	lockTimeout time.Duration
	logger      *logrus.Logger
	now         func() time.Time
}

func NewIdempotencyService(db *gorm.DB, ttl time.Duration, logger *logrus.Logger) *IdempotencyService {
	if logger == nil {
		logger = logrus.New()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyService{db: db, ttl: ttl, lockTimeout: 2 * time.Minute, logger: logger, now: time.Now}
}

// SetLockTimeout sets how long an IN_PROGRESS claim is honoured before another request
// may take the key over.
func (s *IdempotencyService) SetLockTimeout(d time.Duration) {
	if d > 0 {
		s.lockTimeout = d
	}
}

// Guard runs fn once per (key, endpoint). A repeat with the same requestHash gets the
// stored snapshot back without running fn; a repeat with a different hash gets
// ErrIdempotencyKeyMismatch. If fn fails nothing is stored and the key can be reused.
func (s *IdempotencyService) Guard(ctx context.Context, key, endpoint, requestHash string, fn IdempotentFunc) (snapshot string, replayed bool, err error) {
	if key == "" {
		return "", false, invalid("idempotencyKey", "required")
	}
	if len(key) > 128 {
		return "", false, invalid("idempotencyKey", "must be at most 128 characters")
	}

	var record *models.IdempotencyRecord
	for attempt := 0; attempt < 3 && record == nil; attempt++ {
		claimed, rec, err := s.claim(ctx, key, endpoint, requestHash)
		if err != nil {
			return "", false, err
		}
		if claimed {
			record = rec
			break
		}
		existing, err := s.find(ctx, key, endpoint)
		if err != nil {
			return "", false, err
		}
		if existing == nil {
			// deleted between our insert and read, try again
			continue
		}
		if !existing.ExpiresAt.After(s.now()) {
			if err := s.db.WithContext(ctx).
				Where("id = ? AND expires_at <= ?", existing.ID, s.now()).
				Delete(&models.IdempotencyRecord{}).Error; err != nil {
				return "", false, err
			}
			continue
		}
		if existing.Status != models.IdempotencyDone && !existing.UpdatedAt.Add(s.lockTimeout).After(s.now()) {
			// the owner died without finishing, let this request run instead
			if err := s.db.WithContext(ctx).
				Where("id = ? AND status = ? AND updated_at <= ?", existing.ID, models.IdempotencyInProgress, s.now().Add(-s.lockTimeout)).
				Delete(&models.IdempotencyRecord{}).Error; err != nil {
				return "", false, err
			}
			s.logger.WithFields(logrus.Fields{"key": key, "endpoint": endpoint}).Warn("idempotency: took over stale claim")
			continue
		}
		if existing.RequestHash != requestHash {
			return "", false, ErrIdempotencyKeyMismatch
		}
		if existing.Status != models.IdempotencyDone {
			return "", false, ErrIdempotencyInProgress
		}
		return existing.ResponseSnapshot, true, nil
	}
	if record == nil {
		return "", false, ErrIdempotencyInProgress
	}

	// the outcome of fn is final from here on
	workCtx := context.WithoutCancel(ctx)
	snapshot, err = s.run(ctx, workCtx, record, fn)
	if err != nil {
		s.release(workCtx, record)
		return snapshot, false, err
	}
	if err := s.db.WithContext(workCtx).Model(&models.IdempotencyRecord{}).
		Where("id = ?", record.ID).
		Updates(map[string]interface{}{
			"status":            models.IdempotencyDone,
			"response_snapshot": snapshot,
			"updated_at":        s.now(),
		}).Error; err != nil {
		s.logger.WithFields(logrus.Fields{"key": key, "endpoint": endpoint}).
			Warnf("idempotency: store response failed: %v", err)
	}
	return snapshot, false, nil
}

// run calls fn and releases the claim if fn panics, then panics again.
func (s *IdempotencyService) run(ctx, workCtx context.Context, record *models.IdempotencyRecord, fn IdempotentFunc) (string, error) {
	defer func() {
		if p := recover(); p != nil {
			s.release(workCtx, record)
			panic(p)
		}
	}()
	return fn(ctx)
}

func (s *IdempotencyService) release(ctx context.Context, record *models.IdempotencyRecord) {
	if err := s.db.WithContext(ctx).Delete(&models.IdempotencyRecord{}, record.ID).Error; err != nil {
		s.logger.WithField("key", record.Key).Warnf("idempotency: release claim failed: %v", err)
	}
}

func (s *IdempotencyService) claim(ctx context.Context, key, endpoint, requestHash string) (bool, *models.IdempotencyRecord, error) {
	now := s.now()
	rec := &models.IdempotencyRecord{
		Key:         key,
		Endpoint:    endpoint,
		RequestHash: requestHash,
		Status:      models.IdempotencyInProgress,
		ExpiresAt:   now.Add(s.ttl),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}, {Name: "endpoint"}},
			DoNothing: true,
		}).
		Create(rec)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return false, nil, nil
		}
		return false, nil, res.Error
	}
	return res.RowsAffected == 1, rec, nil
}

func (s *IdempotencyService) find(ctx context.Context, key, endpoint string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := s.db.WithContext(ctx).Where("key = ? AND endpoint = ?", key, endpoint).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PurgeExpired deletes records past their expiry.
func (s *IdempotencyService) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", s.now()).Delete(&models.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}
