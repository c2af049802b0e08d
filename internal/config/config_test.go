package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, _, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultServerURL, cfg.Server.URL)
	require.Equal(t, 30*time.Second, cfg.Server.Timeout)
	require.Equal(t, 30*time.Minute, cfg.Cache.TTL)
	require.Equal(t, "none", cfg.Trace.Exporter)
	require.Equal(t, "journal.db", filepath.Base(cfg.Journal.Path))
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  url: http://monai:9000
  timeout: 5s
cache:
  ttl: 1m
trace:
  exporter: stdout
`)

	cfg, _, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "http://monai:9000", cfg.Server.URL)
	require.Equal(t, 5*time.Second, cfg.Server.Timeout)
	require.Equal(t, time.Minute, cfg.Cache.TTL)
	require.Equal(t, "stdout", cfg.Trace.Exporter)
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "server:\n  url: http://from-file:8000\n")
	t.Setenv("LABELPANEL_SERVER_URL", "http://from-env:8000")

	cfg, _, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "http://from-env:8000", cfg.Server.URL)
}

func TestLoad_InvalidExporter(t *testing.T) {
	path := writeConfig(t, "trace:\n  exporter: zipkin\n")

	_, _, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "trace.exporter")
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeConfig(t, "server: [unclosed\n")

	_, _, err := Load(path)
	require.Error(t, err)
}

func TestSettings_ServerURL_DefaultWhenUnset(t *testing.T) {
	path := writeConfig(t, "server:\n  url: \"\"\n")
	v, err := New(path)
	require.NoError(t, err)

	s := NewSettings(v)
	require.Equal(t, DefaultServerURL, s.ServerURL())
}

func TestSettings_ServerURL_NilSafe(t *testing.T) {
	var s *Settings
	require.Equal(t, DefaultServerURL, s.ServerURL())
}

func TestSettings_ServerURL_TrimsTrailingSlash(t *testing.T) {
	path := writeConfig(t, "server:\n  url: http://monai:8000/\n")
	v, err := New(path)
	require.NoError(t, err)

	require.Equal(t, "http://monai:8000", NewSettings(v).ServerURL())
}

func TestSettings_SetServerURL_ReadAtCallTime(t *testing.T) {
	path := writeConfig(t, "server:\n  url: http://old:8000\n")
	v, err := New(path)
	require.NoError(t, err)
	s := NewSettings(v)

	require.Equal(t, "http://old:8000", s.ServerURL())
	require.NoError(t, s.SetServerURL("http://new:8000"))
	require.Equal(t, "http://new:8000", s.ServerURL())

	// Persisted to the backing file.
	reloaded, err := New(path)
	require.NoError(t, err)
	require.Equal(t, "http://new:8000", NewSettings(reloaded).ServerURL())
}

func TestSettings_SetServerURL_RejectsEmpty(t *testing.T) {
	path := writeConfig(t, "server:\n  url: http://old:8000\n")
	v, err := New(path)
	require.NoError(t, err)

	require.Error(t, NewSettings(v).SetServerURL("   "))
}
