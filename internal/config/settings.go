package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/zjrosen/labelpanel/internal/log"
)

// Settings is the user-editable settings provider. Reads always go to the
// live viper state so edits made through the panel or on disk are picked up
// by the next outbound call.
type Settings struct {
	mu sync.RWMutex
	v  *viper.Viper
}

// NewSettings wraps a viper instance created by New or Load.
func NewSettings(v *viper.Viper) *Settings {
	return &Settings{v: v}
}

// ServerURL returns the configured inference server URL, or
// DefaultServerURL when unset.
func (s *Settings) ServerURL() string {
	if s == nil || s.v == nil {
		return DefaultServerURL
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	url := strings.TrimSpace(s.v.GetString("server.url"))
	if url == "" {
		return DefaultServerURL
	}
	return strings.TrimRight(url, "/")
}

// SetServerURL updates the server URL and persists it when a config file is
// in use (or creates one in DefaultDir).
func (s *Settings) SetServerURL(url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return fmt.Errorf("server url must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Set("server.url", url)

	path := s.v.ConfigFileUsed()
	if path == "" {
		path = filepath.Join(DefaultDir(), "config.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	if err := s.v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	log.Info(log.CatConfig, "server url updated", "url", url, "path", path)
	return nil
}

// Watch re-reads the config file on change and calls onChange with the
// current server URL. It is a no-op without a backing file.
func (s *Settings) Watch(onChange func(serverURL string)) {
	if s.v.ConfigFileUsed() == "" {
		return
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		log.Debug(log.CatConfig, "config file changed", "path", e.Name, "op", e.Op.String())
		if onChange != nil {
			onChange(s.ServerURL())
		}
	})
	s.v.WatchConfig()
}

// Viper exposes the underlying instance for commands that need raw keys.
func (s *Settings) Viper() *viper.Viper {
	return s.v
}
