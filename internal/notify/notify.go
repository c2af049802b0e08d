// Package notify carries user-visible notifications from the panel to
// whatever surface displays them.
package notify

import (
	"sync"
	"time"

	"github.com/zjrosen/labelpanel/internal/log"
)

// Kind is the severity of a notification.
type Kind string

const (
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
)

// Notification is a short message for the user.
type Notification struct {
	Title    string
	Message  string
	Kind     Kind
	Duration time.Duration
}

// Sink displays notifications. Show is fire-and-forget.
type Sink interface {
	Show(n Notification)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Notification)

// Show calls f(n).
func (f SinkFunc) Show(n Notification) { f(n) }

// LogSink writes notifications to the debug log.
type LogSink struct{}

// Show logs n at a level matching its kind.
func (LogSink) Show(n Notification) {
	fields := []any{"title", n.Title, "kind", string(n.Kind)}
	switch n.Kind {
	case KindError:
		log.Error(log.CatUI, n.Message, fields...)
	case KindWarning:
		log.Warn(log.CatUI, n.Message, fields...)
	default:
		log.Info(log.CatUI, n.Message, fields...)
	}
}

// Multi fans a notification out to several sinks.
type Multi []Sink

// Show delivers n to every non-nil sink in order.
func (m Multi) Show(n Notification) {
	for _, s := range m {
		if s != nil {
			s.Show(n)
		}
	}
}

// Recorder keeps every notification it receives. Useful in tests and for
// the TUI's notification history.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

// Show records n.
func (r *Recorder) Show(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

// All returns a copy of the recorded notifications, oldest first.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.items))
	copy(out, r.items)
	return out
}

// Last returns the most recent notification.
func (r *Recorder) Last() (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return Notification{}, false
	}
	return r.items[len(r.items)-1], true
}
