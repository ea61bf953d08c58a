package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig controls forwarding of log lines to the operator chat.
type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./chatwarden.log"

// Service owns the log outputs and rebuilds them on Apply. Loggers handed
// out by New read the current outputs on every call.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File
	path string
	ops  *operatorSink

	root atomic.Pointer[zerolog.Logger]
}

// New builds the service from cfg. sender may be nil until the chat client
// exists; see SetSender.
func New(cfg Config, sender Sender) (*Service, Logger) {
	s := &Service{ops: newOperatorSink(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) SetSender(sender Sender) { s.ops.setSender(sender) }

// SetTelegramTarget sets the operator chat. chatID 0 stops forwarding.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	s.ops.setTarget(chatID, threadID)
}

// Apply swaps levels and outputs. The log file is reopened only when its
// path changes.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if f := s.openFile(cfg.File.Path); f != nil {
			outs = append(outs, zerolog.SyncWriter(f))
		}
	} else {
		s.closeFile()
	}

	s.ops.configure(cfg.Telegram)
	if cfg.Telegram.Enabled {
		if !s.ops.hasTarget() {
			fmt.Fprintln(os.Stderr, "logx: telegram logging enabled but telegram.group_log is not set")
		}
		outs = append(outs, s.ops)
	}
	if len(outs) == 0 {
		outs = append(outs, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// openFile must be called with s.mu held.
func (s *Service) openFile(path string) *os.File {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if s.file != nil && s.path == path {
		return s.file
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		return s.file
	}
	s.closeFile()
	s.file, s.path = f, path
	return f
}

func (s *Service) closeFile() {
	if s.file != nil {
		_ = s.file.Close()
		s.file, s.path = nil, ""
	}
}

// Close stops the operator sink and closes the log file.
func (s *Service) Close() error {
	s.ops.stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.path = nil, ""
	return err
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}
