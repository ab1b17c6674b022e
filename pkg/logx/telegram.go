package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// SendFunc delivers one log line to the operator chat. It is supplied by the
// transport adapter after startup; until then records are dropped silently.
type SendFunc func(ctx context.Context, chatID int64, text string) error

// telegramSink is a zerolog LevelWriter that forwards WARN+ records to a
// Telegram chat through a bounded queue, so logging never blocks on the
// network and bursts are rate-limited.
type telegramSink struct {
	mu       sync.Mutex
	chatID   int64
	minLevel zerolog.Level
	limiter  *rate.Limiter
	send     SendFunc

	queue  chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTelegramSink(cfg TelegramConfig) *telegramSink {
	s := &telegramSink{queue: make(chan string, 256)}
	s.apply(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.worker(ctx)
	}()
	return s
}

func (s *telegramSink) apply(cfg TelegramConfig) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	s.mu.Lock()
	s.chatID = cfg.ChatID
	s.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	s.mu.Unlock()
}

func (s *telegramSink) setSender(send SendFunc) {
	s.mu.Lock()
	s.send = send
	s.mu.Unlock()
}

func (s *telegramSink) close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *telegramSink) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			s.mu.Lock()
			send := s.send
			chatID := s.chatID
			s.mu.Unlock()
			if send == nil || chatID == 0 {
				continue
			}
			_ = send(ctx, chatID, msg)
		}
	}
}

func (s *telegramSink) Write(p []byte) (int, error) {
	return s.WriteLevel(zerolog.InfoLevel, p)
}

func (s *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s.mu.Lock()
	min := s.minLevel
	lim := s.limiter
	s.mu.Unlock()

	if level < min || lim == nil || !lim.Allow() {
		return len(p), nil
	}

	msg := formatRecord(p)
	if msg == "" {
		return len(p), nil
	}

	// Never block core logging.
	select {
	case s.queue <- msg:
	default:
		// drop
	}
	return len(p), nil
}

// formatRecord turns one zerolog JSON line into a readable chat message.
func formatRecord(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	for k, v := range m {
		switch k {
		case "time", "level", "message", "caller":
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(v), 600))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
