package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/pkg/line"
)

func TestBreakerSender_OpensAfterFailures(t *testing.T) {
	inner := &fakeSender{err: errBoom}
	breaker := NewCircuitBreakerWithConfig(&CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour, HalfOpenMaxReqs: 1})
	s := NewBreakerSender(inner, breaker)
	ctx := context.Background()

	assert.ErrorIs(t, s.Send(ctx, SendRequest{}), errBoom)
	assert.ErrorIs(t, s.Send(ctx, SendRequest{}), errBoom)
	assert.ErrorIs(t, s.Send(ctx, SendRequest{}), ErrCircuitOpen)
	assert.Equal(t, StateOpenCB, s.Breaker().State())
}

func TestBreakerSender_SuccessResetsFailures(t *testing.T) {
	inner := &fakeSender{err: errBoom}
	s := NewBreakerSender(inner, NewCircuitBreakerWithConfig(&CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}))
	ctx := context.Background()

	_ = s.Send(ctx, SendRequest{})
	inner.err = nil
	require.NoError(t, s.Send(ctx, SendRequest{Text: "ok"}))
	assert.Equal(t, 0, s.Breaker().FailureCount())
	assert.Equal(t, 1, inner.count())
}

func TestLineSender_PushesToThread(t *testing.T) {
	var got line.PushRequest
	var retryKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		retryKey = r.Header.Get("X-Line-Retry-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := line.NewClient(&line.Config{BaseURL: srv.URL, ChannelAccessToken: "t", Timeout: time.Second}, quietLogger())
	s := NewLineSender(client)

	err := s.Send(context.Background(), SendRequest{TicketID: 1, MessageID: 7, Text: "hi", ExternalThreadID: "U-7"})
	require.NoError(t, err)
	assert.Equal(t, "U-7", got.To)
	assert.Equal(t, "hi", got.Messages[0].Text)
	assert.Equal(t, line.RetryKey("outbox:7"), retryKey)
}

func TestBreakerSender_RecipientErrorsDoNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req line.PushRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.To == "U-bad" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"The property, 'to', in the request body is invalid"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := line.NewClient(&line.Config{BaseURL: srv.URL, ChannelAccessToken: "t", Timeout: time.Second}, quietLogger())
	breaker := NewCircuitBreakerWithConfig(&CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour, HalfOpenMaxReqs: 1})
	s := NewBreakerSender(NewLineSender(client), breaker)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := s.Send(ctx, SendRequest{MessageID: uint(i + 1), Text: "hi", ExternalThreadID: "U-bad"})
		var apiErr *line.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	}
	assert.Equal(t, StateClosedCB, breaker.State())

	require.NoError(t, s.Send(ctx, SendRequest{MessageID: 10, Text: "hi", ExternalThreadID: "U-good"}))
}

func TestIsPermanentSendError(t *testing.T) {
	assert.True(t, IsPermanentSendError(&line.APIError{StatusCode: http.StatusBadRequest}))
	assert.True(t, IsPermanentSendError(fmt.Errorf("push: %w", &line.APIError{StatusCode: http.StatusForbidden})))
	assert.True(t, IsPermanentSendError(line.ErrEmptyRecipient))
	assert.False(t, IsPermanentSendError(&line.APIError{StatusCode: http.StatusTooManyRequests}))
	assert.False(t, IsPermanentSendError(&line.APIError{StatusCode: http.StatusBadGateway}))
	assert.False(t, IsPermanentSendError(errBoom))
	assert.False(t, IsPermanentSendError(ErrCircuitOpen))
}

func TestLogSender(t *testing.T) {
	assert.NoError(t, NewLogSender(quietLogger()).Send(context.Background(), SendRequest{Text: "x"}))
}
