// Package cmd holds the labelpanel command line.
package cmd

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/labelpanel/internal/actions/activelearning"
	"github.com/zjrosen/labelpanel/internal/actions/autoseg"
	"github.com/zjrosen/labelpanel/internal/actions/options"
	"github.com/zjrosen/labelpanel/internal/actions/smartedit"
	"github.com/zjrosen/labelpanel/internal/config"
	"github.com/zjrosen/labelpanel/internal/log"
	"github.com/zjrosen/labelpanel/internal/monailabel"
	"github.com/zjrosen/labelpanel/internal/panel"
	"github.com/zjrosen/labelpanel/internal/viewcontext"
	"github.com/zjrosen/labelpanel/internal/viewer"
)

// version is set at build time via -ldflags.
var version = "dev"

const logBufferSize = 1000

//go:embed demo.yaml
var demoLayout []byte

var (
	cfgFile       string
	fixturePath   string
	viewportIndex int
	debugFlag     bool

	appCfg   config.Config
	settings *config.Settings

	closeLog = func() {}
)

var rootCmd = &cobra.Command{
	Use:   "labelpanel",
	Short: "Annotation panel for a MONAI Label server",
	Long: `labelpanel mounts an annotation panel on a viewer layout and drives a
MONAI Label server from it: auto segmentation, SmartEdit refinement and
active learning.

Without --fixture a built-in demo study is loaded.

Examples:
  labelpanel                              # Panel on the demo study
  labelpanel --fixture viewer.yaml --index 1
  labelpanel info                         # Server capabilities as YAML`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) { closeLog() },
	RunE:              runPanel,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default $XDG_CONFIG_HOME/labelpanel/config.yaml)")
	flags.StringVar(&fixturePath, "fixture", "", "viewer layout YAML (default: built-in demo study)")
	flags.IntVar(&viewportIndex, "index", -1, "active viewport index (default: the layout's active_index)")
	flags.BoolVar(&debugFlag, "debug", false, "write a debug log (also LABELPANEL_DEBUG=1)")
}

// setup loads configuration and starts logging for every command.
func setup(_ *cobra.Command, _ []string) error {
	c, v, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	appCfg = c
	settings = config.NewSettings(v)

	level := log.ParseLevel(appCfg.Log.Level)
	if !debugFlag && os.Getenv("LABELPANEL_DEBUG") == "" {
		log.InitBuffered(logBufferSize, level)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(appCfg.Log.Path), 0o750); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}
	cleanup, err := log.Init(appCfg.Log.Path, logBufferSize)
	if err != nil {
		return fmt.Errorf("opening debug log: %w", err)
	}
	log.SetEnabled(true)
	log.SetMinLevel(level)
	closeLog = cleanup
	log.Info(log.CatConfig, "labelpanel starting", "version", version, "config", v.ConfigFileUsed())
	return nil
}

// modules returns the constructor of every action module.
func modules() panel.Constructors {
	return panel.Constructors{
		panel.NameOptions:        options.New,
		panel.NameActiveLearning: activelearning.New,
		panel.NameSegmentation:   autoseg.New,
		panel.NameSmartEdit:      smartedit.New,
	}
}

// clientFactory builds clients against the live server URL setting.
func clientFactory() panel.ClientFactory {
	return panel.NewClientFactory(settings, monailabel.WithTimeout(appCfg.Server.Timeout))
}

// loadLayout reads --fixture, or the demo study, and applies --index.
func loadLayout() (viewer.Layout, error) {
	var (
		l   viewer.Layout
		err error
	)
	if fixturePath == "" {
		l, err = viewer.ParseLayout(demoLayout)
	} else {
		l, err = viewer.LoadLayout(fixturePath)
	}
	if err != nil {
		return viewer.Layout{}, err
	}
	if viewportIndex >= 0 {
		l.ActiveIndex = viewportIndex
	}
	return l, nil
}

func deriveView(l viewer.Layout) (viewcontext.ViewContext, error) {
	return viewcontext.Derive(l.Viewports, l.Studies, l.ActiveIndex, viewer.Index{}, viewer.NewSurfaces(len(l.Viewports)))
}

func commandContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding yaml: %w", err)
	}
	return enc.Close()
}
