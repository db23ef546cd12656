package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "empty", raw: "", want: 0},
		{name: "seconds", raw: "60s", want: time.Minute},
		{name: "compound", raw: "1h30m", want: 90 * time.Minute},
		{name: "negative", raw: "-5s", wantErr: true},
		{name: "garbage", raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDurationField("test.field", tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	got, err := ParseDurationOrDefault("reminder.tick_interval", "", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != time.Minute {
		t.Fatalf("got %v, want default 1m", got)
	}
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestManagerParseYAML(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.yaml", `
telegram:
  token: "test-token"
logging:
  level: debug
  console: true
  file: {enabled: false, path: ""}
  telegram: {enabled: false, min_level: warn, rate_per_sec: 1}
storage:
  driver: memory
  path: ""
reminder:
  timezone: "Asia/Kolkata"
  grace_period: "30m"
  tick_interval: "60s"
  daily_reset_at: "00:00"
scheduler:
  enabled: true
notifier:
  enabled: true
`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "test-token" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Reminder.Timezone != "Asia/Kolkata" {
		t.Fatalf("timezone = %q", cfg.Reminder.Timezone)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get() should return the committed snapshot")
	}
}

func TestManagerRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.json", `{"reminder": {"timezone": "UTC", "grace": "30m"}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestManagerRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.json", `{"scheduler": {"enabled": true}} {"extra": 1}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}
