package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func newViper() *viper.Viper {
	v := viper.New()
	Init(v)
	return v
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(newViper())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.HTTP.Addr != ":4444" || cfg.HTTP.IdentityHeader != "X-Speaker-Identity" {
		t.Errorf("unexpected http config %+v", cfg.HTTP)
	}
	if cfg.HTTP.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v", cfg.HTTP.PingInterval)
	}
	if cfg.Session.Provider != "mock" || cfg.Session.ReorderWindow != 8 {
		t.Errorf("unexpected session defaults %+v", cfg.Session)
	}
	if cfg.Sweep.Interval != time.Second || cfg.Sweep.DisconnectGrace != 0 || cfg.Sweep.SummaryGrace != 10*time.Second {
		t.Errorf("unexpected sweep defaults %+v", cfg.Sweep)
	}
	if cfg.Deepgram.Model != "nova-2" || cfg.Deepgram.SampleRate != 16000 {
		t.Errorf("unexpected deepgram defaults %+v", cfg.Deepgram)
	}
	if cfg.Speechmatics.Language != "en" || cfg.Speechmatics.MaxDelay != 2 {
		t.Errorf("unexpected speechmatics defaults %+v", cfg.Speechmatics)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("LIVESPEAK_SESSION_IDLE_TIMEOUT", "5s")
	t.Setenv("LIVESPEAK_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("LIVESPEAK_SWEEP_DISCONNECT_GRACE", "20s")

	cfg, err := Load(newViper())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Session.IdleTimeout != 5*time.Second {
		t.Errorf("IdleTimeout = %v", cfg.Session.IdleTimeout)
	}
	if cfg.HTTP.Addr != "127.0.0.1:9000" {
		t.Errorf("Addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Sweep.DisconnectGrace != 20*time.Second {
		t.Errorf("DisconnectGrace = %v", cfg.Sweep.DisconnectGrace)
	}
}

func TestYAMLFile(t *testing.T) {
	v := newViper()
	yaml := `
log_level: debug
session:
  time_budget: 2m
  encoding: pcm16
deepgram:
  api_key: secret
  model: nova-3
`
	if err := v.ReadConfig(strings.NewReader(yaml)); err != nil {
		t.Fatalf("ReadConfig() error: %v", err)
	}

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Session.TimeBudget != 2*time.Minute || cfg.Session.Encoding != "pcm16" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Deepgram.APIKey != "secret" || cfg.Deepgram.Model != "nova-3" {
		t.Errorf("unexpected deepgram config %+v", cfg.Deepgram)
	}
	if cfg.Session.IdleTimeout != 30*time.Second {
		t.Errorf("unset keys should keep their defaults")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		value  any
		errMsg string
	}{
		{name: "unknown provider", key: "session.provider", value: "whisper", errMsg: "session.provider"},
		{name: "deepgram without key", key: "session.provider", value: "deepgram", errMsg: "deepgram.api_key"},
		{name: "speechmatics without key", key: "session.provider", value: "speechmatics", errMsg: "speechmatics.api_key"},
		{name: "bad encoding", key: "session.encoding", value: "flac", errMsg: "session.encoding"},
		{name: "zero budget", key: "session.time_budget", value: "0s", errMsg: "session.time_budget"},
		{name: "negative grace", key: "sweep.disconnect_grace", value: "-1s", errMsg: "disconnect_grace"},
		{name: "empty addr", key: "http.addr", value: "", errMsg: "http.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newViper()
			v.Set(tt.key, tt.value)
			_, err := Load(v)
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.errMsg)
			}
		})
	}
}

func TestReadFileWithoutConfig(t *testing.T) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(t.TempDir())
	if err := ReadFile(v); err != nil {
		t.Errorf("missing config file should not be an error: %v", err)
	}
}
