// Package log is the labelpanel logger. Entries carry a level and a
// category, go to an optional file (the debug log) and are always kept in
// an in-memory ring for the log overlay.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string to a Level. Unknown values fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Category groups related log messages.
type Category string

const (
	CatContext Category = "context" // view context derivation
	CatSession Category = "session" // server capability queries
	CatCoord   Category = "coord"   // tab lifecycle and segment fan-out
	CatAction  Category = "action"  // action module work
	CatClient  Category = "client"  // remote inference calls
	CatConfig  Category = "config"
	CatJournal Category = "journal"
	CatUI      Category = "ui"
)

// Categories lists every category in display order.
func Categories() []Category {
	return []Category{CatContext, CatSession, CatCoord, CatAction, CatClient, CatConfig, CatJournal, CatUI}
}

const timeLayout = "2006-01-02T15:04:05"

// Entry is one log record.
type Entry struct {
	Time     time.Time
	Level    Level
	Category Category
	Message  string
	Fields   []any
}

// String formats the entry as a single line:
//
//	2025-12-06T10:45:00 [ERROR] [coord] message key=value
func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] [%s] %s", e.Time.Format(timeLayout), e.Level, e.Category, e.Message)
	for i := 0; i+1 < len(e.Fields); i += 2 {
		fmt.Fprintf(&b, " %v=%v", e.Fields[i], e.Fields[i+1])
	}
	if len(e.Fields)%2 != 0 {
		fmt.Fprintf(&b, " %v=<missing>", e.Fields[len(e.Fields)-1])
	}
	return b.String()
}

// Logger writes entries to an optional writer and a ring.
type Logger struct {
	mu       sync.Mutex
	closer   io.Closer
	writer   io.Writer
	ring     *Ring[Entry]
	enabled  bool
	minLevel Level
	now      func() time.Time
}

var (
	stateMu       sync.RWMutex
	defaultLogger *Logger
)

func current() *Logger {
	stateMu.RLock()
	defer stateMu.RUnlock()
	return defaultLogger
}

// install swaps the global logger and closes the file of the one it replaces.
func install(l *Logger) {
	stateMu.Lock()
	prev := defaultLogger
	defaultLogger = l
	stateMu.Unlock()
	if prev != nil && prev.closer != nil {
		_ = prev.closer.Close()
	}
}

func newLogger(w io.WriteCloser, bufferSize int, minLevel Level) *Logger {
	l := &Logger{
		ring:     NewRing[Entry](bufferSize),
		enabled:  true,
		minLevel: minLevel,
		now:      time.Now,
	}
	if w != nil {
		l.writer, l.closer = w, w
	}
	return l
}

// Init logs to the file at path. The returned cleanup closes the file.
func Init(path string, bufferSize int) (func(), error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // G304: debug log path comes from config
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	l := newLogger(f, bufferSize, LevelDebug)
	install(l)
	return func() { _ = f.Close() }, nil
}

// InitWithTeaLog is Init via tea.LogToFile, which also routes bubbletea's
// own log output into the same file.
func InitWithTeaLog(path, prefix string, bufferSize int) (func(), error) {
	f, err := tea.LogToFile(path, prefix)
	if err != nil {
		return nil, err
	}
	install(newLogger(f, bufferSize, LevelDebug))
	return func() { _ = f.Close() }, nil
}

// InitBuffered keeps entries in memory only, so the log overlay works
// without a debug log file.
func InitBuffered(bufferSize int, minLevel Level) {
	install(newLogger(nil, bufferSize, minLevel))
}

// SetEnabled toggles logging on/off.
func SetEnabled(enabled bool) {
	if l := current(); l != nil {
		l.mu.Lock()
		l.enabled = enabled
		l.mu.Unlock()
	}
}

// SetMinLevel sets the minimum level that is recorded.
func SetMinLevel(level Level) {
	if l := current(); l != nil {
		l.mu.Lock()
		l.minLevel = level
		l.mu.Unlock()
	}
}

func Debug(cat Category, msg string, fields ...any) { write(LevelDebug, cat, msg, fields) }
func Info(cat Category, msg string, fields ...any)  { write(LevelInfo, cat, msg, fields) }
func Warn(cat Category, msg string, fields ...any)  { write(LevelWarn, cat, msg, fields) }
func Error(cat Category, msg string, fields ...any) { write(LevelError, cat, msg, fields) }

// ErrorErr logs at error level with err appended as the "error" field.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	val := "<nil>"
	if err != nil {
		val = err.Error()
	}
	write(LevelError, cat, msg, append(fields, "error", val))
}

func write(level Level, cat Category, msg string, fields []any) {
	l := current()
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled || level < l.minLevel {
		return
	}

	e := Entry{Time: l.now(), Level: level, Category: cat, Message: msg, Fields: fields}
	if l.writer != nil {
		_, _ = io.WriteString(l.writer, e.String()+"\n")
	}
	l.ring.Push(e)
}

// Recent returns up to n of the newest buffered entries, oldest first.
func Recent(n int) []Entry {
	if l := current(); l != nil {
		return l.ring.Last(n)
	}
	return nil
}

// GetRecentLogs returns Recent formatted as lines.
func GetRecentLogs(n int) []string {
	entries := Recent(n)
	if len(entries) == 0 {
		return nil
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.String()
	}
	return lines
}

// ClearBuffer drops all buffered entries. The log file is untouched.
func ClearBuffer() {
	if l := current(); l != nil {
		l.ring.Reset()
	}
}
