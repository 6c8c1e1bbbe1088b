// Package rlog builds the structured logger the rest of crontabber writes
// to: a color text handler on stderr when attached to a TTY, plus an
// optional rotating file handler, both fed from one slog.Logger.
package rlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for the per-process log file.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config is the `log:` configuration block.
type Config struct {
	Level      string // debug|info|warn|error, default info
	Dir        string // rotating file output directory; empty disables file logging
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (c Config) level() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the logger per cfg. Stderr always gets a handler; if cfg.Dir
// is set, a second rotating-file handler fans out the same records.
func New(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.level()}

	var handlers []slog.Handler
	if isTTY(os.Stderr) {
		handlers = append(handlers, newColorHandler(os.Stderr, cfg.level()))
	} else {
		handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
	}

	if cfg.Dir != "" {
		w := &lj.Logger{
			Filename:   filepath.Join(cfg.Dir, "crontabber.log"),
			MaxSize:    valOr(cfg.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(cfg.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(cfg.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   cfg.Compress,
		}
		handlers = append(handlers, slog.NewJSONHandler(w, opts))
	}

	return slog.New(&fanoutHandler{handlers: handlers})
}

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiDim    = "\033[2m"
)

// colorHandler is a handwritten TTY formatter: timestamp, severity-tinted
// level, tinted message, then attrs as key=value pairs. ANSI is written
// straight to the writer; slog.TextHandler can't be reused here because it
// quote-escapes control characters inside values.
//
// Two record shapes specific to the job runner get promoted beyond their
// level's tint: a record carrying an "error" attribute reads red even below
// error level, and one carrying a "reason" attribute (a dependency skip)
// reads yellow, so both stand out when an operator tails the daemon.
type colorHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	level slog.Leveler
	attrs []slog.Attr
	group string
}

func newColorHandler(w io.Writer, level slog.Leveler) *colorHandler {
	return &colorHandler{mu: &sync.Mutex{}, w: w, level: level}
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	tint := levelTint(r.Level)
	if r.Level < slog.LevelError {
		r.Attrs(func(a slog.Attr) bool {
			switch a.Key {
			case "error":
				tint = ansiRed
				return false
			case "reason":
				tint = ansiYellow
			}
			return true
		})
	}

	var b strings.Builder
	if !r.Time.IsZero() {
		b.WriteString(r.Time.Format("15:04:05.000"))
		b.WriteByte(' ')
	}
	b.WriteString(tint)
	b.WriteString(r.Level.String())
	b.WriteString(ansiReset)
	b.WriteByte(' ')
	b.WriteString(tint)
	b.WriteString(r.Message)
	b.WriteString(ansiReset)
	for _, a := range h.attrs {
		h.writeAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&b, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *colorHandler) writeAttr(b *strings.Builder, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	b.WriteByte(' ')
	if h.group != "" {
		b.WriteString(h.group)
		b.WriteByte('.')
	}
	b.WriteString(a.Key)
	b.WriteByte('=')
	fmt.Fprintf(b, "%v", a.Value)
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &c
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	c := *h
	if c.group != "" {
		c.group += "." + name
	} else {
		c.group = name
	}
	return &c
}

func levelTint(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return ansiRed
	case l >= slog.LevelWarn:
		return ansiYellow
	case l >= slog.LevelInfo:
		return ansiReset
	default:
		return ansiDim
	}
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

var _ io.Writer = (*lj.Logger)(nil)
