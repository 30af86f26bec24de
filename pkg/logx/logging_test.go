package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		" DEBUG ": zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFormatChatLine(t *testing.T) {
	t.Parallel()

	line := []byte(`{"level":"warn","time":"x","message":"poll failed","owner_id":42,"object":"Alice","token":"s3cret"}` + "\n")
	got := formatChatLine(line)
	want := "[WARN] poll failed\n- object=Alice\n- owner_id=42\n- token=[redacted]"
	if got != want {
		t.Fatalf("formatChatLine = %q, want %q", got, want)
	}

	if got := formatChatLine([]byte("not json")); got != "not json" {
		t.Fatalf("raw fallback = %q", got)
	}
}

func TestEmailAndSecretFields(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"alice@example.com": "a***@example.com",
		" bob@mail.org ":    "b***@mail.org",
		"no-at-sign":        "***",
		"@example.com":      "***",
	}
	for in, want := range cases {
		if got := MaskEmail(in); got != want {
			t.Fatalf("MaskEmail(%q) = %q, want %q", in, got, want)
		}
	}

	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	l := Logger{static: &zl}
	l.Info("credential stored", Owner(42), Email("alice@example.com"), Secret("credential", "SID=abc; HSID=def"))
	out := buf.String()
	for _, want := range []string{`"owner_id":42`, `"email":"a***@example.com"`, `"credential":{"set":true,"len":17}`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %s missing %s", out, want)
		}
	}
	if strings.Contains(out, "SID=abc") || strings.Contains(out, "alice@") {
		t.Fatalf("secret leaked: %s", out)
	}
}

type captureSender struct {
	mu    sync.Mutex
	chats []int64
	texts []string
}

func (c *captureSender) SendLog(_ context.Context, chatID int64, _ int, text string) error {
	c.mu.Lock()
	c.chats = append(c.chats, chatID)
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.texts)
}

func TestTelegramSinkHonoursMinLevel(t *testing.T) {
	t.Parallel()

	snd := &captureSender{}
	svc, log := New(Config{Level: "debug", Telegram: TelegramConfig{MinLevel: "warn", RatePerSec: 100}}, snd)
	defer svc.Close()
	svc.SetTelegramTarget(-100123, 0)
	svc.Apply(Config{Level: "debug", Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}})

	log.Info("quiet")
	log.Warn("loud", Int64("owner_id", 42))

	deadline := time.Now().Add(2 * time.Second)
	for snd.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	snd.mu.Lock()
	defer snd.mu.Unlock()
	if len(snd.texts) != 1 {
		t.Fatalf("sent %d lines, want 1: %v", len(snd.texts), snd.texts)
	}
	if snd.chats[0] != -100123 || !strings.Contains(snd.texts[0], "loud") {
		t.Fatalf("unexpected delivery chat=%d text=%q", snd.chats[0], snd.texts[0])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("dropped")
	l.With(String("k", "v")).Error("dropped", Err(nil))
}
