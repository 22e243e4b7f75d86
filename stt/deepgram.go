package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const (
	DeepgramBaseURL   = "https://api.deepgram.com/v1"
	deepgramKeepAlive = 5 * time.Second
)

type DeepgramConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	Language     string        `mapstructure:"language"`
	Encoding     string        `mapstructure:"encoding"`
	SampleRate   int           `mapstructure:"sample_rate"`
	Channels     int           `mapstructure:"channels"`
	ResultWait   time.Duration `mapstructure:"result_wait"`
	Retries      int           `mapstructure:"retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type DeepgramClient struct {
	cfg    DeepgramConfig
	logger *log.Logger
	dialer *websocket.Dialer
}

func NewDeepgramClient(cfg DeepgramConfig, logger *log.Logger) *DeepgramClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DeepgramBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.ResultWait <= 0 {
		cfg.ResultWait = 750 * time.Millisecond
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = log.Default()
	}
	return &DeepgramClient{
		cfg:    cfg,
		logger: logger,
		dialer: websocket.DefaultDialer,
	}
}

func (c *DeepgramClient) Constructor() Constructor {
	return func(ctx context.Context, sessionID string) (Provider, error) {
		if strings.TrimSpace(c.cfg.APIKey) == "" {
			return nil, errors.New("deepgram api key is not configured")
		}
		return newStreamSession(
			deepgramDriver{client: c},
			streamOptions{
				ResultWait:   c.cfg.ResultWait,
				Retries:      c.cfg.Retries,
				RetryBackoff: c.cfg.RetryBackoff,
			},
			c.logger.With("session", sessionID),
		), nil
	}
}

type deepgramDriver struct {
	client *DeepgramClient
}

func (d deepgramDriver) name() string { return "deepgram" }

func (d deepgramDriver) dial(ctx context.Context) (*websocket.Conn, error) {
	listenURL, err := buildListenURL(d.client.cfg)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.client.cfg.APIKey)

	ws, _, err := d.client.dialer.DialContext(ctx, listenURL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to deepgram websocket: %w", err)
	}
	return ws, nil
}

func (d deepgramDriver) keepAliveInterval() time.Duration { return deepgramKeepAlive }

func (d deepgramDriver) keepAlive(c *streamConn) error {
	return c.write(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
}

func (d deepgramDriver) finish(c *streamConn) error {
	return c.write(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
}

func (d deepgramDriver) parse(payload []byte, logger *log.Logger) (Delta, bool) {
	var response deepgramResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		logger.Warn("unhandled event", "data", string(payload))
		return Delta{}, false
	}

	switch response.Type {
	case "Results":
	case "Error":
		logger.Error(
			"error",
			"description",
			response.Description,
			"message",
			response.Message,
		)
		return Delta{}, false
	default:
		logger.Debug("event", "type", response.Type)
		return Delta{}, false
	}

	if len(response.Channel.Alternatives) == 0 {
		return Delta{}, false
	}
	alt := response.Channel.Alternatives[0]
	return Delta{
		Text:       strings.TrimSpace(alt.Transcript),
		Final:      response.IsFinal || response.SpeechFinal,
		Confidence: alt.Confidence,
	}, true
}

type deepgramResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Description string `json:"description"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func buildListenURL(cfg DeepgramConfig) (string, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid deepgram base url: %w", err)
	}

	query := listenURL.Query()
	query.Set("model", cfg.Model)
	query.Set("language", cfg.Language)
	query.Set("encoding", cfg.Encoding)
	query.Set("sample_rate", fmt.Sprintf("%d", cfg.SampleRate))
	query.Set("channels", fmt.Sprintf("%d", cfg.Channels))
	query.Set("interim_results", "true")
	query.Set("punctuate", "true")
	query.Set("smart_format", "true")
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
