package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

type Config struct {
	// Level is a zerolog level name; "warning" and "off" are accepted too. Empty means info.
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	// Path receives JSON lines; default ./crosspost.log.
	Path string
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Service owns the sinks. Apply rebuilds them; loggers handed out earlier pick up
// the new root on their next call.
type Service struct {
	mu   sync.Mutex
	file *os.File
	root atomic.Pointer[zerolog.Logger]
}

func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() *zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return zl
	}
	return &nopLogger
}

// Apply swaps level and sinks. Console output is used when nothing else is enabled.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, console(os.Stdout))
	}

	prev := s.file
	s.file = nil
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./crosspost.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, console(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	// Close after the swap so in-flight writes to the old file still land.
	if prev != nil {
		_ = prev.Close()
	}
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

// console renders key=value lines, with colors only on a terminal.
func console(f *os.File) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        f,
		TimeFormat: timeFormat,
		NoColor:    !isatty.IsTerminal(f.Fd()),
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return def
	case "warning":
		return zerolog.WarnLevel
	case "off":
		return zerolog.Disabled
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return def
	}
	return lvl
}
