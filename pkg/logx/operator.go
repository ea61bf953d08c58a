package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender delivers a rendered log line to an operator chat.
type Sender interface {
	SendLog(ctx context.Context, chatID int64, threadID int, text string) error
}

const (
	operatorQueue   = 256
	operatorTimeout = 10 * time.Second
	maxLineLen      = 3500
	maxValueLen     = 600
)

type operatorLine struct {
	chatID   int64
	threadID int
	text     string
}

// operatorSink forwards log lines at or above minLevel to the operator chat.
// Lines are dropped when the limiter or the queue is full.
type operatorSink struct {
	mu       sync.Mutex
	sender   Sender
	chatID   int64
	threadID int
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue  chan operatorLine
	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newOperatorSink(sender Sender) *operatorSink {
	return &operatorSink{
		sender:   sender,
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
		queue:    make(chan operatorLine, operatorQueue),
	}
}

func (o *operatorSink) setSender(sender Sender) {
	o.mu.Lock()
	o.sender = sender
	o.mu.Unlock()
}

func (o *operatorSink) setTarget(chatID int64, threadID int) {
	o.mu.Lock()
	o.chatID = chatID
	if threadID != 0 {
		o.threadID = threadID
	}
	o.mu.Unlock()
}

func (o *operatorSink) hasTarget() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.chatID != 0
}

// configure applies level and rate settings and starts delivery on first enable.
func (o *operatorSink) configure(cfg TelegramConfig) {
	o.mu.Lock()
	o.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.RatePerSec)
	o.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		o.threadID = cfg.ThreadID
	}
	o.mu.Unlock()

	if cfg.Enabled {
		o.once.Do(o.start)
	}
}

func (o *operatorSink) start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.deliver(ctx)
	}()
}

func (o *operatorSink) stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		o.wg.Wait()
	}
}

func (o *operatorSink) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-o.queue:
			o.mu.Lock()
			sender := o.sender
			o.mu.Unlock()
			if sender == nil {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, operatorTimeout)
			_ = sender.SendLog(sendCtx, line.chatID, line.threadID, line.text)
			cancel()
		}
	}
}

func (o *operatorSink) Write(p []byte) (int, error) {
	return o.WriteLevel(zerolog.InfoLevel, p)
}

// WriteLevel never blocks the logging goroutine.
func (o *operatorSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	chatID, threadID, sender := o.chatID, o.threadID, o.sender
	pass := level >= o.minLevel && chatID != 0 && sender != nil && o.limiter.Allow()
	o.mu.Unlock()
	if !pass {
		return len(p), nil
	}
	text := renderLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case o.queue <- operatorLine{chatID: chatID, threadID: threadID, text: text}:
	default:
	}
	return len(p), nil
}

// renderLine turns one JSON log event into a short chat message:
//
//	[WARN] moderation: sweep failed
//	group_id=-42
func renderLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(strings.TrimSpace(string(p)), maxLineLen)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	if comp, _ := m["comp"].(string); comp != "" {
		b.WriteString(comp)
		b.WriteString(": ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "comp", zerolog.CallerFieldName:
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s=%s", k, clip(fmt.Sprint(m[k]), maxValueLen))
	}
	return clip(b.String(), maxLineLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
