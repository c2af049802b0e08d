package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	zone "github.com/lrstanley/bubblezone"
	"github.com/spf13/cobra"

	"github.com/zjrosen/labelpanel/internal/journal"
	"github.com/zjrosen/labelpanel/internal/log"
	"github.com/zjrosen/labelpanel/internal/mode/annotate"
	"github.com/zjrosen/labelpanel/internal/notify"
	"github.com/zjrosen/labelpanel/internal/panel"
	"github.com/zjrosen/labelpanel/internal/segmentation"
	"github.com/zjrosen/labelpanel/internal/seriescache"
	"github.com/zjrosen/labelpanel/internal/tracing"
	"github.com/zjrosen/labelpanel/internal/viewer"
)

// mounted is a panel wired to its segmentation list and journal.
type mounted struct {
	coord    *panel.Coordinator
	segments *segmentation.List
	toasts   *notify.Recorder
	journal  *journal.Journal
}

func (m *mounted) Close() error {
	if m.journal == nil {
		return nil
	}
	return m.journal.Close()
}

// mountPanel derives the view context from layout and builds the panel.
// The journal is optional: if it cannot be opened the panel runs without
// history.
func mountPanel(ctx context.Context, layout viewer.Layout) (*mounted, error) {
	m := &mounted{toasts: &notify.Recorder{}}
	sinks := notify.Multi{m.toasts, notify.LogSink{}}

	if appCfg.Journal.Path != "" {
		j, err := journal.Open(ctx, appCfg.Journal.Path)
		if err != nil {
			log.ErrorErr(log.CatJournal, "Journal unavailable, continuing without history", err)
		} else {
			m.journal = j
			sinks = append(sinks, j)
		}
	}

	coord, err := panel.Mount(panel.MountConfig{
		Layout:   layout,
		Index:    viewer.Index{},
		Surfaces: viewer.NewSurfaces(len(layout.Viewports)),
		Options: panel.Options{
			Clients: clientFactory(),
			Notify:  sinks,
			Cache:   seriescache.New(appCfg.Cache.TTL),
		},
		Modules: modules(),
	})
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	m.coord = coord
	m.segments = segmentation.New(coord)

	var sink panel.ViewSink = m.segments
	if m.journal != nil {
		sink = m.journal.Sink(coord.View().Fingerprint, m.segments)
	}
	coord.AttachSink(sink)
	return m, nil
}

// traceOutput is where the stdout exporter writes while the TUI owns the
// terminal.
func traceOutput() (io.WriteCloser, error) {
	path := filepath.Join(filepath.Dir(appCfg.Log.Path), "traces.jsonl")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // G304: path derives from config
}

func runPanel(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext(cmd, 0)
	defer cancel()

	var traceOut io.Writer = io.Discard
	if appCfg.Trace.Exporter == tracing.ExporterStdout {
		f, err := traceOutput()
		if err != nil {
			return fmt.Errorf("opening trace output: %w", err)
		}
		defer func() { _ = f.Close() }()
		traceOut = f
	}
	shutdown, err := tracing.Setup(ctx, appCfg.Trace, traceOut)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.ErrorErr(log.CatUI, "Tracer shutdown failed", err)
		}
	}()

	layout, err := loadLayout()
	if err != nil {
		return err
	}
	m, err := mountPanel(ctx, layout)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	zone.NewGlobal()
	model := annotate.New(annotate.Services{
		Coord:    m.coord,
		Segments: m.segments,
		Settings: settings,
		Toasts:   m.toasts,
		Timeout:  appCfg.Server.Timeout,
	})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())
	settings.Watch(func(url string) {
		p.Send(annotate.ConfigChangedMsg{ServerURL: url})
	})

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running panel: %w", err)
	}
	return nil
}
