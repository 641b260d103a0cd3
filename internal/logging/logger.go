// Package logging provides simple level-gated logging for the reactor
// and its supporting packages, plus a small set of With* helpers that
// attach reactor-shaped context (a connection or listener Token, an
// operation name, an error) to every subsequent line a derived Logger
// writes — the same chained-context shape go-ublk's logger offers via
// WithDevice/WithQueue/WithRequest, generalized from device/queue/tag
// to the reactor's token-addressed resources.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Logger wraps stdlib log with level support, optional text/json
// formatting, and a chain of context fields accumulated via With*.
type Logger struct {
	logger  *log.Logger
	level   LogLevel
	format  string
	noColor bool
	sync    bool
	output  io.Writer
	fields  []field
	mu      *sync.Mutex
}

type field struct {
	key string
	val any
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logging configuration
type Config struct {
	Level LogLevel
	// Format selects the line format: "text" (default) or "json".
	Format string
	Output io.Writer
	// Sync calls Output.Sync() after every write, if Output implements
	// it, trading throughput for a guarantee the line landed before
	// the call returns.
	Sync bool
	// NoColor disables ANSI coloring of the level prefix in text mode.
	NoColor bool
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	format := config.Format
	if format == "" {
		format = "text"
	}
	return &Logger{
		logger:  log.New(output, "", log.LstdFlags),
		level:   config.Level,
		format:  format,
		noColor: config.NoColor,
		sync:    config.Sync,
		output:  output,
		mu:      &sync.Mutex{},
	}
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// with returns a derived Logger sharing this one's sink but with key=val
// appended to every line it writes.
func (l *Logger) with(key string, val any) *Logger {
	next := &Logger{
		logger:  l.logger,
		level:   l.level,
		format:  l.format,
		noColor: l.noColor,
		sync:    l.sync,
		output:  l.output,
		mu:      l.mu,
		fields:  append(append([]field(nil), l.fields...), field{key, val}),
	}
	return next
}

// WithConnection returns a derived Logger tagging every line with the
// connection Token it concerns.
func (l *Logger) WithConnection(tok int) *Logger { return l.with("conn", tok) }

// WithListener returns a derived Logger tagging every line with the
// listener Token it concerns.
func (l *Logger) WithListener(tok int) *Logger { return l.with("listener", tok) }

// WithRequest returns a derived Logger tagging every line with a tag
// (e.g. a timer Token) and the operation name being performed.
func (l *Logger) WithRequest(tag int, op string) *Logger {
	return l.with("tag", tag).with("op", op)
}

// WithError returns a derived Logger tagging every line with err's
// message, for use at the point an operation is about to log its own
// failure.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with("error", err.Error())
}

// formatArgs converts key-value pairs to a string
func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var result string
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if result != "" {
				result += " "
			}
			result += fmt.Sprintf("%v=%v", args[i], args[i+1])
		}
	}
	if result != "" {
		return " " + result
	}
	return ""
}

func (l *Logger) fieldsString() string {
	if len(l.fields) == 0 {
		return ""
	}
	var out string
	for _, f := range l.fields {
		out += fmt.Sprintf(" %s=%v", f.key, f.val)
	}
	return out
}

var levelColor = map[LogLevel]string{
	LevelDebug: "\x1b[90m",
	LevelInfo:  "\x1b[36m",
	LevelWarn:  "\x1b[33m",
	LevelError: "\x1b[31m",
}

const colorReset = "\x1b[0m"

func (l *Logger) log(level LogLevel, prefix, msg string, args ...any) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		l.logger.Printf("%s", l.jsonLine(prefix, msg, args))
	} else {
		p := prefix
		if !l.noColor {
			if c, ok := levelColor[level]; ok {
				p = c + prefix + colorReset
			}
		}
		l.logger.Printf("%s %s%s%s", p, msg, l.fieldsString(), formatArgs(args))
	}

	if l.sync {
		if s, ok := l.output.(interface{ Sync() error }); ok {
			_ = s.Sync()
		}
	}
}

func (l *Logger) jsonLine(level, msg string, args []any) string {
	out := fmt.Sprintf(`{"level":%q,"msg":%q`, level, msg)
	for _, f := range l.fields {
		out += fmt.Sprintf(`,%q:%q`, f.key, fmt.Sprintf("%v", f.val))
	}
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			out += fmt.Sprintf(`,%q:%q`, fmt.Sprintf("%v", args[i]), fmt.Sprintf("%v", args[i+1]))
		}
	}
	return out + "}"
}

func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, "[INFO]", msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, "[WARN]", msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, "[ERROR]", msg, args...)
}

// Printf-style logging
func (l *Logger) Debugf(format string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...any) {
	l.log(LevelInfo, "[INFO]", fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	l.log(LevelWarn, "[WARN]", fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.log(LevelError, "[ERROR]", fmt.Sprintf(format, args...))
}

// Printf for compatibility
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Global convenience functions
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
