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

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

const defaultLogFile = "./tabrotate.log"

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Chat    ChatConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the log outputs. Apply and Close may run concurrently with
// logging.
type Service struct {
	mu   sync.Mutex
	file *os.File
	chat *chatForwarder

	zl atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with a Logger bound to it.
// sink may be nil and set later with SetSink.
func New(cfg Config, sink ChatSink) (*Service, Logger) {
	s := &Service{chat: newChatForwarder(sink)}
	s.Apply(cfg)
	return s, Logger{src: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.zl.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) SetSink(sink ChatSink) { s.chat.setSink(sink) }

// Apply rebuilds the outputs from cfg. A log file that cannot be opened is
// reported on stderr and skipped.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(os.Stdout))
	}

	prev := s.file
	s.file = nil
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}

	s.chat.configure(cfg.Chat)
	if cfg.Chat.Enabled {
		if cfg.Chat.ChatID == 0 {
			fmt.Fprintln(os.Stderr, "logx: logging.telegram.enabled is set without a chat_id")
		}
		outs = append(outs, s.chat)
	}

	if len(outs) == 0 {
		outs = append(outs, consoleWriter(os.Stdout))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.zl.Store(&zl)

	if prev != nil {
		_ = prev.Close()
	}
}

// Close stops chat forwarding and closes the log file. Later log lines go
// to the remaining outputs.
func (s *Service) Close() error {
	s.chat.stop()
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		FormatCaller: func(v any) string {
			s, _ := v.(string)
			return s
		},
	}
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	if strings.EqualFold(strings.TrimSpace(s), "warning") {
		return zerolog.WarnLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}
