// Package line is a minimal LINE Messaging API push client.
package line

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const pushPath = "/v2/bot/message/push"

// maxTextLength is the Messaging API limit for a text message.
const maxTextLength = 5000

// APIError a non 2xx answer from the Messaging API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("line api error [%d]: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ErrEmptyRecipient is returned when the push target is blank.
var ErrEmptyRecipient = errors.New("line: empty recipient")

// Client pushes messages to LINE users.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.ChannelAccessToken,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// RetryKey derives the X-Line-Retry-Key for a logical message so that retried pushes of
// the same message are accepted at most once by LINE.
func RetryKey(messageRef string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("line-push:"+messageRef)).String()
}

// PushText sends text to the user or group to. retryKey may be empty.
func (c *Client) PushText(ctx context.Context, to, text, retryKey string) error {
	if strings.TrimSpace(to) == "" {
		return ErrEmptyRecipient
	}
	if len([]rune(text)) > maxTextLength {
		text = string([]rune(text)[:maxTextLength])
	}
	body, err := json.Marshal(PushRequest{
		To:       to,
		Messages: []TextMessage{{Type: "text", Text: text}},
	})
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pushPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if retryKey != "" {
		req.Header.Set("X-Line-Retry-Key", retryKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	c.logger.Debugf("LINE push response: %d %s", resp.StatusCode, string(respBody))

	// 409 with a retry key means an earlier attempt was already accepted.
	if resp.StatusCode == http.StatusConflict && retryKey != "" {
		return nil
	}
	if resp.StatusCode >= 300 {
		msg := string(respBody)
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Message != "" {
			msg = errResp.Message
			if len(errResp.Details) > 0 {
				msg = fmt.Sprintf("%s (%s: %s)", msg, errResp.Details[0].Property, errResp.Details[0].Message)
			}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return nil
}
