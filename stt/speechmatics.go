package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const (
	SpeechmaticsURL       = "wss://eu2.rt.speechmatics.com/v2"
	speechmaticsPing      = 30 * time.Second
	speechmaticsHandshake = 10 * time.Second
)

type SpeechmaticsConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	URL            string        `mapstructure:"url"`
	Language       string        `mapstructure:"language"`
	Encoding       string        `mapstructure:"encoding"`
	SampleRate     int           `mapstructure:"sample_rate"`
	OperatingPoint string        `mapstructure:"operating_point"`
	MaxDelay       float64       `mapstructure:"max_delay"`
	ResultWait     time.Duration `mapstructure:"result_wait"`
	Retries        int           `mapstructure:"retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
}

type SpeechmaticsClient struct {
	cfg    SpeechmaticsConfig
	logger *log.Logger
	dialer *websocket.Dialer
}

func NewSpeechmaticsClient(cfg SpeechmaticsConfig, logger *log.Logger) *SpeechmaticsClient {
	if cfg.URL == "" {
		cfg.URL = SpeechmaticsURL
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "pcm_s16le"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.OperatingPoint == "" {
		cfg.OperatingPoint = "enhanced"
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2
	}
	if cfg.ResultWait <= 0 {
		cfg.ResultWait = time.Second
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
	return &SpeechmaticsClient{
		cfg:    cfg,
		logger: logger,
		dialer: websocket.DefaultDialer,
	}
}

func (c *SpeechmaticsClient) Constructor() Constructor {
	return func(ctx context.Context, sessionID string) (Provider, error) {
		if strings.TrimSpace(c.cfg.APIKey) == "" {
			return nil, errors.New("speechmatics api key is not configured")
		}
		return newStreamSession(
			speechmaticsDriver{client: c},
			streamOptions{
				ResultWait:   c.cfg.ResultWait,
				Retries:      c.cfg.Retries,
				RetryBackoff: c.cfg.RetryBackoff,
			},
			c.logger.With("session", sessionID),
		), nil
	}
}

type speechmaticsAudioFormat struct {
	Type       string `json:"type"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type speechmaticsTranscriptionConfig struct {
	Language       string  `json:"language"`
	OperatingPoint string  `json:"operating_point,omitempty"`
	EnablePartials bool    `json:"enable_partials"`
	MaxDelay       float64 `json:"max_delay,omitempty"`
}

type speechmaticsStart struct {
	Message             string                          `json:"message"`
	AudioFormat         speechmaticsAudioFormat         `json:"audio_format"`
	TranscriptionConfig speechmaticsTranscriptionConfig `json:"transcription_config"`
}

type speechmaticsEndOfStream struct {
	Message   string `json:"message"`
	LastSeqNo int    `json:"last_seq_no"`
}

type speechmaticsResponse struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Reason  string `json:"reason"`

	Metadata struct {
		Transcript string `json:"transcript"`
	} `json:"metadata"`

	Results []struct {
		Alternatives []struct {
			Confidence float64 `json:"confidence"`
			Content    string  `json:"content"`
		} `json:"alternatives"`
	} `json:"results"`
}

type speechmaticsDriver struct {
	client *SpeechmaticsClient
}

func (d speechmaticsDriver) name() string { return "speechmatics" }

// dial opens the realtime socket and waits for RecognitionStarted, since
// audio sent before that is rejected.
func (d speechmaticsDriver) dial(ctx context.Context) (*websocket.Conn, error) {
	cfg := d.client.cfg
	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", cfg.APIKey))

	url := fmt.Sprintf("%s/%s", strings.TrimRight(cfg.URL, "/"), cfg.Language)
	ws, _, err := d.client.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to speechmatics websocket: %w", err)
	}

	start := speechmaticsStart{
		Message: "StartRecognition",
		AudioFormat: speechmaticsAudioFormat{
			Type:       "raw",
			Encoding:   cfg.Encoding,
			SampleRate: cfg.SampleRate,
		},
		TranscriptionConfig: speechmaticsTranscriptionConfig{
			Language:       cfg.Language,
			OperatingPoint: cfg.OperatingPoint,
			EnablePartials: true,
			MaxDelay:       cfg.MaxDelay,
		},
	}
	ws.SetWriteDeadline(time.Now().Add(speechmaticsHandshake))
	if err := ws.WriteJSON(start); err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to send StartRecognition message: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(speechmaticsHandshake))
	for {
		var response speechmaticsResponse
		if err := ws.ReadJSON(&response); err != nil {
			ws.Close()
			return nil, fmt.Errorf("failed waiting for RecognitionStarted: %w", err)
		}
		switch response.Message {
		case "RecognitionStarted":
			ws.SetReadDeadline(time.Time{})
			return ws, nil
		case "Error":
			ws.Close()
			return nil, fmt.Errorf("speechmatics refused recognition: %s: %s", response.Type, response.Reason)
		}
	}
}

func (d speechmaticsDriver) keepAliveInterval() time.Duration { return speechmaticsPing }

func (d speechmaticsDriver) keepAlive(c *streamConn) error {
	return c.ping()
}

func (d speechmaticsDriver) finish(c *streamConn) error {
	return c.writeJSON(speechmaticsEndOfStream{
		Message:   "EndOfStream",
		LastSeqNo: c.audioSent(),
	})
}

func (d speechmaticsDriver) parse(payload []byte, logger *log.Logger) (Delta, bool) {
	var response speechmaticsResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		logger.Warn("unhandled event", "data", string(payload))
		return Delta{}, false
	}

	var final bool
	switch response.Message {
	case "AddTranscript":
		final = true
	case "AddPartialTranscript":
	case "Error", "Warning":
		logger.Error(
			strings.ToLower(response.Message),
			"type",
			response.Type,
			"reason",
			response.Reason,
		)
		return Delta{}, false
	default:
		logger.Debug("event", "type", response.Message)
		return Delta{}, false
	}

	var sum float64
	var n int
	for _, result := range response.Results {
		if len(result.Alternatives) == 0 {
			continue
		}
		sum += result.Alternatives[0].Confidence
		n++
	}
	confidence := 0.0
	if n > 0 {
		confidence = sum / float64(n)
	}

	return Delta{
		Text:       strings.TrimSpace(response.Metadata.Transcript),
		Final:      final,
		Confidence: confidence,
	}, true
}
