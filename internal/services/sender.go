package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/pkg/line"
)

// SendRequest one outbound message for a ticket's external thread.
type SendRequest struct {
	TicketID         uint   `json:"ticketId"`
	MessageID        uint   `json:"messageId"`
	Text             string `json:"text"`
	ExternalThreadID string `json:"externalThreadId"`
}

// MessageSender delivers a message to the tenant. A returned error means not delivered.
type MessageSender interface {
	Send(ctx context.Context, req SendRequest) error
}

// ErrCircuitOpen is returned while the sender's breaker rejects calls.
var ErrCircuitOpen = errors.New("sender circuit breaker is open")

// LogSender only logs messages. Used when no messaging provider is configured.
type LogSender struct {
	logger *logrus.Logger
}

func NewLogSender(logger *logrus.Logger) *LogSender {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, req SendRequest) error {
	s.logger.WithFields(logrus.Fields{
		"ticket_id":  req.TicketID,
		"message_id": req.MessageID,
		"thread_id":  req.ExternalThreadID,
	}).Infof("outbound message (log only): %s", req.Text)
	return nil
}

// LineSender pushes messages through the LINE Messaging API. The outbox message id is
// the retry key, so a push that reached LINE but timed out here is not sent twice.
type LineSender struct {
	client *line.Client
}

func NewLineSender(client *line.Client) *LineSender {
	return &LineSender{client: client}
}

func (s *LineSender) Send(ctx context.Context, req SendRequest) error {
	retryKey := line.RetryKey(fmt.Sprintf("outbox:%d", req.MessageID))
	return s.client.PushText(ctx, req.ExternalThreadID, req.Text, retryKey)
}

// BreakerSender wraps a sender with a circuit breaker.
type BreakerSender struct {
	next    MessageSender
	breaker *CircuitBreaker
}

func NewBreakerSender(next MessageSender, breaker *CircuitBreaker) *BreakerSender {
	if breaker == nil {
		breaker = NewCircuitBreaker()
	}
	return &BreakerSender{next: next, breaker: breaker}
}

// Send trips the breaker only on failures of the provider itself. A rejection of one
// recipient or message means the provider answered and is counted as healthy.
func (s *BreakerSender) Send(ctx context.Context, req SendRequest) error {
	if !s.breaker.Allow() {
		return ErrCircuitOpen
	}
	err := s.next.Send(ctx, req)
	switch {
	case err == nil, IsPermanentSendError(err):
		s.breaker.OnSuccess()
	default:
		s.breaker.OnFailure()
	}
	return err
}

// IsPermanentSendError reports whether resending the same message cannot succeed.
func IsPermanentSendError(err error) bool {
	if errors.Is(err, line.ErrEmptyRecipient) {
		return true
	}
	var apiErr *line.APIError
	return errors.As(err, &apiErr) && !apiErr.Temporary()
}

func (s *BreakerSender) Breaker() *CircuitBreaker {
	return s.breaker
}
