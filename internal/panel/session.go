package panel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/labelpanel/internal/log"
	"github.com/zjrosen/labelpanel/internal/monailabel"
	"github.com/zjrosen/labelpanel/internal/notify"
)

// Notification text shown for capability queries.
const (
	NotifyTitle      = "MONAI Label"
	msgConnected     = "Connected to MONAI Label Server - Successful"
	msgConnectFailed = "Failed to Connect to MONAI Label Server"
)

const (
	connectedDuration = 2 * time.Second
	failedDuration    = 5 * time.Second
)

// Session holds the panel-level state: the server capability document and
// the active tab. It is owned by the coordinator; modules read it through
// Services.
type Session struct {
	mu        sync.RWMutex
	info      ServerInfo
	active    Name
	connected bool

	clients  ClientFactory
	notifier notify.Sink
}

// NewSession creates an empty session with no tab selected.
func NewSession(clients ClientFactory, notifier notify.Sink) *Session {
	if notifier == nil {
		notifier = notify.LogSink{}
	}
	return &Session{
		info:     ServerInfo{},
		active:   NameNone,
		clients:  clients,
		notifier: notifier,
	}
}

// RefreshServerInfo queries the service once and applies the result.
func (s *Session) RefreshServerInfo(ctx context.Context) error {
	resp, err := s.QueryServerInfo(ctx)
	return s.ApplyServerInfo(resp, err)
}

// QueryServerInfo performs the capability query without touching state.
// It may run off the UI loop; pair it with ApplyServerInfo.
func (s *Session) QueryServerInfo(ctx context.Context) (monailabel.Response, error) {
	if s.clients == nil {
		return monailabel.Response{}, fmt.Errorf("%w: no client configured", ErrServiceUnavailable)
	}
	return s.clients().Info(ctx)
}

// ApplyServerInfo records a capability query result. A success status
// replaces the stored info; anything else leaves it empty and the panel
// keeps running unconnected.
func (s *Session) ApplyServerInfo(resp monailabel.Response, err error) error {
	if err == nil && resp.OK() {
		info := ServerInfo(resp.Data)
		if info == nil {
			info = ServerInfo{}
		}
		s.mu.Lock()
		s.info = info
		s.connected = true
		s.mu.Unlock()

		log.Info(log.CatSession, "Server info loaded", "name", info.Name(), "models", len(info.Models()))
		s.notifier.Show(notify.Notification{
			Title:    NotifyTitle,
			Message:  msgConnected,
			Kind:     notify.KindSuccess,
			Duration: connectedDuration,
		})
		return nil
	}

	s.mu.Lock()
	s.info = ServerInfo{}
	s.connected = false
	s.mu.Unlock()

	s.notifier.Show(notify.Notification{
		Title:    NotifyTitle,
		Message:  msgConnectFailed,
		Kind:     notify.KindError,
		Duration: failedDuration,
	})
	if err != nil {
		log.ErrorErr(log.CatSession, "Server info query failed", err)
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	log.Warn(log.CatSession, "Server info query rejected", "status", resp.Status)
	return fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.Status)
}

// ServerInfo returns the current capability document. Callers must not
// mutate it.
func (s *Session) ServerInfo() ServerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// Connected reports whether the last query succeeded.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// ActiveAction returns the selected tab, NameNone before any selection.
func (s *Session) ActiveAction() Name {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *Session) setActive(n Name) {
	s.mu.Lock()
	s.active = n
	s.mu.Unlock()
}

// State snapshots the session for rendering.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{ServerInfo: s.info, Active: s.active, Connected: s.connected}
}
