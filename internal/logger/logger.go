package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
	DefaultLogLines   = 5000
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Slog converts the level name; unknown names mean info.
func (l Level) Slog() slog.Level {
	switch Level(strings.ToLower(string(l))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig controls the server's own structured log.
type SlogConfig struct {
	Level      Level  `mapstructure:"level"`
	Format     Format `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
}

// FileConfig describes log files. Path is the server log; executions log
// to Dir/<name>.log when Dir is set. Rotation follows lumberjack semantics.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config is the [log] section.
type Config struct {
	Slog SlogConfig `mapstructure:"slog"`
	File FileConfig `mapstructure:"file"`
	// LogLines is how many lines of each execution's log are kept in memory.
	LogLines int `mapstructure:"log_lines"`
}

func (c Config) HandlerOptions() *slog.HandlerOptions {
	opts := &slog.HandlerOptions{Level: c.Slog.Level.Slog(), AddSource: c.Slog.Source}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	return opts
}

// NewSlogger builds the server logger writing to stderr and, when
// File.Path is set, to a rotated file.
func (c Config) NewSlogger() *slog.Logger {
	return slog.New(c.NewHandler(os.Stderr))
}

func (c Config) NewHandler(w io.Writer) slog.Handler {
	opts := c.HandlerOptions()
	var console slog.Handler
	switch {
	case c.Slog.Format == FormatJSON:
		console = slog.NewJSONHandler(w, opts)
	case c.Slog.Color:
		console = NewColorTextHandler(w, opts, c.Slog.TimeStamps)
	default:
		console = slog.NewTextHandler(w, opts)
	}
	if c.File.Path == "" {
		return console
	}
	// files never get color codes
	file := slog.NewJSONHandler(c.File.rotate(c.File.Path), opts)
	return Tee(console, file)
}

// ExecutionWriter returns a rotated log file for one execution, or nil when
// no directory is configured.
func (c FileConfig) ExecutionWriter(name string) io.WriteCloser {
	if c.Dir == "" {
		return nil
	}
	return c.rotate(filepath.Join(c.Dir, fmt.Sprintf("%s.log", sanitize(name))))
}

func (c FileConfig) rotate(path string) io.WriteCloser {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, name)
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
