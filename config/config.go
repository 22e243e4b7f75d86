// Package config loads engine settings from config.yaml, LIVESPEAK_*
// environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"node.town/livespeak/ingest"
	"node.town/livespeak/session"
	"node.town/livespeak/stt"
	"node.town/livespeak/sweep"
)

const EnvPrefix = "LIVESPEAK"

type HTTPConfig struct {
	Addr           string        `mapstructure:"addr"`
	IdentityHeader string        `mapstructure:"identity_header"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	MaxFrameBytes  int64         `mapstructure:"max_frame_bytes"`
}

type PipelineConfig struct {
	ContextWindow int `mapstructure:"context_window"`
	QueueSize     int `mapstructure:"queue_size"`
}

type Config struct {
	LogLevel     string                 `mapstructure:"log_level"`
	LogFile      string                 `mapstructure:"log_file"`
	HTTP         HTTPConfig             `mapstructure:"http"`
	Session      session.Config         `mapstructure:"session"`
	Pipeline     PipelineConfig         `mapstructure:"pipeline"`
	Sweep        sweep.Options          `mapstructure:"sweep"`
	Deepgram     stt.DeepgramConfig     `mapstructure:"deepgram"`
	Speechmatics stt.SpeechmaticsConfig `mapstructure:"speechmatics"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")

	v.SetDefault("http.addr", ":4444")
	v.SetDefault("http.identity_header", "X-Speaker-Identity")
	v.SetDefault("http.rate_limit", 50.0)
	v.SetDefault("http.rate_burst", 100)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.ping_interval", 30*time.Second)
	v.SetDefault("http.max_frame_bytes", 1<<20)

	v.SetDefault("session.time_budget", 15*time.Minute)
	v.SetDefault("session.idle_timeout", 30*time.Second)
	v.SetDefault("session.provider", "mock")
	v.SetDefault("session.encoding", ingest.EncodingRaw)
	v.SetDefault("session.reorder_window", session.DefaultReorderWindow)

	v.SetDefault("pipeline.context_window", ingest.DefaultContextWindow)
	v.SetDefault("pipeline.queue_size", 32)

	v.SetDefault("sweep.interval", sweep.DefaultInterval)
	v.SetDefault("sweep.disconnect_grace", time.Duration(0))
	v.SetDefault("sweep.summary_grace", sweep.DefaultSummaryGrace)

	v.SetDefault("deepgram.api_key", "")
	v.SetDefault("deepgram.base_url", stt.DeepgramBaseURL)
	v.SetDefault("deepgram.model", "nova-2")
	v.SetDefault("deepgram.language", "en-US")
	v.SetDefault("deepgram.encoding", "linear16")
	v.SetDefault("deepgram.sample_rate", 16000)
	v.SetDefault("deepgram.channels", 1)
	v.SetDefault("deepgram.result_wait", 750*time.Millisecond)
	v.SetDefault("deepgram.retries", 2)
	v.SetDefault("deepgram.retry_backoff", 200*time.Millisecond)

	v.SetDefault("speechmatics.api_key", "")
	v.SetDefault("speechmatics.url", stt.SpeechmaticsURL)
	v.SetDefault("speechmatics.language", "en")
	v.SetDefault("speechmatics.encoding", "pcm_s16le")
	v.SetDefault("speechmatics.sample_rate", 16000)
	v.SetDefault("speechmatics.operating_point", "enhanced")
	v.SetDefault("speechmatics.max_delay", 2.0)
	v.SetDefault("speechmatics.result_wait", time.Second)
	v.SetDefault("speechmatics.retries", 2)
	v.SetDefault("speechmatics.retry_backoff", 200*time.Millisecond)
}

// Init prepares v to read config.yaml from the working directory and
// LIVESPEAK_ prefixed environment variables, so http.addr can be set
// with LIVESPEAK_HTTP_ADDR.
func Init(v *viper.Viper) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
}

// ReadFile reads config.yaml if there is one. A missing file is fine.
func ReadFile(v *viper.Viper) error {
	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is empty"))
	}
	if c.HTTP.IdentityHeader == "" {
		errs = append(errs, errors.New("http.identity_header is empty"))
	}
	if c.HTTP.RateLimit <= 0 || c.HTTP.RateBurst <= 0 {
		errs = append(errs, errors.New("http.rate_limit and http.rate_burst must be positive"))
	}
	if c.Session.TimeBudget <= 0 {
		errs = append(errs, errors.New("session.time_budget must be positive"))
	}
	if c.Session.IdleTimeout <= 0 {
		errs = append(errs, errors.New("session.idle_timeout must be positive"))
	}
	if !ingest.ValidEncoding(c.Session.Encoding) {
		errs = append(errs, fmt.Errorf("session.encoding %q is not supported", c.Session.Encoding))
	}
	switch strings.ToLower(c.Session.Provider) {
	case "mock":
	case "deepgram":
		if strings.TrimSpace(c.Deepgram.APIKey) == "" {
			errs = append(errs, errors.New("deepgram.api_key is required when session.provider is deepgram"))
		}
	case "speechmatics":
		if strings.TrimSpace(c.Speechmatics.APIKey) == "" {
			errs = append(errs, errors.New("speechmatics.api_key is required when session.provider is speechmatics"))
		}
	default:
		errs = append(errs, fmt.Errorf("session.provider %q is not supported", c.Session.Provider))
	}
	if c.Sweep.DisconnectGrace < 0 {
		errs = append(errs, errors.New("sweep.disconnect_grace must not be negative"))
	}
	return errors.Join(errs...)
}
