package line

import "time"

// Config LINE Messaging API client settings.
type Config struct {
	BaseURL            string        `yaml:"base_url"`
	ChannelAccessToken string        `yaml:"channel_access_token"`
	Timeout            time.Duration `yaml:"timeout"`
}

// DefaultConfig points at the public Messaging API.
func DefaultConfig() *Config {
	return &Config{
		BaseURL: "https://api.line.me",
		Timeout: 10 * time.Second,
	}
}

// TextMessage a plain text message object.
type TextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PushRequest body of POST /v2/bot/message/push.
type PushRequest struct {
	To       string        `json:"to"`
	Messages []TextMessage `json:"messages"`
}

// ErrorResponse error body returned by the Messaging API.
type ErrorResponse struct {
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Message  string `json:"message"`
	Property string `json:"property"`
}
