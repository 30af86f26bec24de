package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	chatQueueSize = 256
	chatMaxLen    = 3500
	chatFieldLen  = 600
	chatStackLen  = 900
)

// redactedKeys never reach the operator chat with their value, whatever
// the call site passed.
var redactedKeys = []string{"credential", "cookie", "token", "password", "secret"}

type chatLine struct {
	chatID   int64
	threadID int
	text     string
}

// chatSink is a zerolog.LevelWriter that forwards lines at or above a level
// to a Telegram chat. Writes never block: lines over the rate limit or past
// a full queue are dropped.
type chatSink struct {
	sender Sender
	queue  chan chatLine

	mu       sync.Mutex
	chatID   int64
	threadID int
	min      zerolog.Level
	limiter  *rate.Limiter

	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newChatSink(sender Sender) *chatSink {
	return &chatSink{sender: sender, queue: make(chan chatLine, chatQueueSize), min: zerolog.WarnLevel}
}

func (c *chatSink) configure(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	c.mu.Lock()
	c.min = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		c.threadID = cfg.ThreadID
	}
	c.mu.Unlock()
}

func (c *chatSink) setTarget(chatID int64, threadID int) {
	c.mu.Lock()
	c.chatID = chatID
	if threadID != 0 {
		c.threadID = threadID
	}
	c.mu.Unlock()
}

func (c *chatSink) hasTarget() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID != 0
}

func (c *chatSink) start() {
	c.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.cancel = cancel
		c.mu.Unlock()
		c.wg.Add(1)
		go c.run(ctx)
	})
}

func (c *chatSink) close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
}

func (c *chatSink) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ln := <-c.queue:
			if c.sender != nil {
				_ = c.sender.SendLog(ctx, ln.chatID, ln.threadID, ln.text)
			}
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(zerolog.InfoLevel, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	chatID, threadID, lim, min := c.chatID, c.threadID, c.limiter, c.min
	c.mu.Unlock()

	if chatID == 0 || c.sender == nil || lim == nil || level < min || !lim.Allow() {
		return len(p), nil
	}
	text := formatChatLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case c.queue <- chatLine{chatID: chatID, threadID: threadID, text: text}:
	default:
	}
	return len(p), nil
}

// formatChatLine renders one zerolog JSON line as
//
//	[WARN] message
//	- key=value
//
// with keys sorted and secrets redacted.
func formatChatLine(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return truncate(raw, chatMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, "stack":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- " + k + "=" + truncate(chatValue(k, m[k]), chatFieldLen))
	}
	if st, ok := m["stack"]; ok {
		b.WriteString("\n- stack=\n" + truncate(fmt.Sprint(st), chatStackLen))
	}
	return truncate(b.String(), chatMaxLen)
}

func chatValue(k string, v any) string {
	if s, ok := v.(string); ok && isSecretKey(k) {
		if s == "" {
			return ""
		}
		return "[redacted]"
	}
	if nested, ok := v.(map[string]any); ok {
		j, _ := json.Marshal(nested)
		return string(j)
	}
	return fmt.Sprint(v)
}

func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	for _, s := range redactedKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
