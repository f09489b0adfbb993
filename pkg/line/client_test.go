package line

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL + "/"
	cfg.ChannelAccessToken = "token-123"
	return NewClient(cfg, nil)
}

func TestPushText_Success(t *testing.T) {
	var got PushRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, pushPath, r.URL.Path)
		assert.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))
		assert.Equal(t, "retry-1", r.Header.Get("X-Line-Retry-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})

	err := c.PushText(context.Background(), "U123", "hello", "retry-1")
	require.NoError(t, err)
	assert.Equal(t, "U123", got.To)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "text", got.Messages[0].Type)
	assert.Equal(t, "hello", got.Messages[0].Text)
}

func TestPushText_APIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"The request body has 1 error(s)","details":[{"message":"May not be empty","property":"messages[0].text"}]}`))
	})

	err := c.PushText(context.Background(), "U123", "hello", "")
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.False(t, apiErr.Temporary())
	assert.Contains(t, apiErr.Message, "messages[0].text")
}

func TestPushText_ServerErrorIsTemporary(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := c.PushText(context.Background(), "U123", "hello", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Temporary())
}

func TestPushText_DuplicateRetryKeyIsSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"The retry key is already accepted"}`))
	})

	assert.NoError(t, c.PushText(context.Background(), "U123", "hello", RetryKey("outbox:1")))
}

func TestPushText_EmptyRecipient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server must not be called")
	})
	assert.ErrorIs(t, c.PushText(context.Background(), "  ", "hello", ""), ErrEmptyRecipient)
}

func TestPushText_TruncatesLongText(t *testing.T) {
	var got PushRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	})

	require.NoError(t, c.PushText(context.Background(), "U1", strings.Repeat("ก", maxTextLength+10), ""))
	assert.Len(t, []rune(got.Messages[0].Text), maxTextLength)
}

func TestRetryKey_Stable(t *testing.T) {
	assert.Equal(t, RetryKey("outbox:7"), RetryKey("outbox:7"))
	assert.NotEqual(t, RetryKey("outbox:7"), RetryKey("outbox:8"))
}
