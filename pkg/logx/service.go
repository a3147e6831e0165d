package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DefaultFilePath is used when the file sink is enabled without a path.
const DefaultFilePath = "./logs/pulsebot.log"

var stdout io.Writer = os.Stdout

type Config struct {
	Level   string
	Console bool
	// JSON makes the console sink emit JSON lines instead of the pretty writer.
	JSON bool
	File FileConfig
	// Out replaces stdout for the console sink.
	Out io.Writer
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the sinks. Apply swaps level and sinks while loggers stay live.
type Service struct {
	mu   sync.Mutex
	root atomic.Pointer[zerolog.Logger]

	file     *os.File
	filePath string
}

// New applies cfg and returns the Service and a root Logger bound to it.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply rebuilds the root logger. The log file is kept open when its path is unchanged.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := cfg.Out
	if out == nil {
		out = stdout
	}
	var writers []io.Writer
	if cfg.Console {
		if cfg.JSON {
			writers = append(writers, out)
		} else {
			writers = append(writers, newConsoleWriter(out))
		}
	}

	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = DefaultFilePath
		}
		if err := s.openFileLocked(path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		}
	} else {
		s.closeFileLocked()
	}
	if s.file != nil {
		writers = append(writers, zerolog.SyncWriter(s.file))
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(out))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(parseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) openFileLocked(path string) error {
	if s.file != nil && s.filePath == path {
		return nil
	}
	s.closeFileLocked()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %q: %w", path, err)
	}
	s.file, s.filePath = f, path
	return nil
}

func (s *Service) closeFileLocked() {
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file, s.filePath = nil, ""
}

// Close releases the log file. Later entries go to the remaining sinks.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	f := s.file
	s.file, s.filePath = nil, ""
	return f.Close()
}

func newConsoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	cw.FormatCaller = func(i any) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

func parseLevel(s string, def Level) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return def
	}
}
