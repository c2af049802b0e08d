package cmd

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/labelpanel/internal/journal"
)

var (
	historyFingerprint string
	historyLimit       int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded view updates for a series",
	Long: `List the view updates journaled for a series, newest first.

Without --fingerprint the series of the viewer layout is used.

Examples:
  labelpanel history
  labelpanel history --fingerprint 3f1c... --limit 5`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyFingerprint, "fingerprint", "", "series fingerprint (default: the layout's active series)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum entries to print, 0 for all")
}

type historyDoc struct {
	CreatedAt  string   `yaml:"created_at"`
	Model      string   `yaml:"model,omitempty"`
	Operation  string   `yaml:"operation"`
	Labels     []string `yaml:"labels"`
	Slice      int      `yaml:"slice"`
	Overlap    bool     `yaml:"overlap"`
	LabelBytes int      `yaml:"label_bytes"`
}

func runHistory(cmd *cobra.Command, _ []string) error {
	if appCfg.Journal.Path == "" {
		return errors.New("journal disabled: set journal.path")
	}
	fingerprint := historyFingerprint
	if fingerprint == "" {
		layout, err := loadLayout()
		if err != nil {
			return err
		}
		vc, err := deriveView(layout)
		if err != nil {
			return err
		}
		fingerprint = vc.Fingerprint
	}

	ctx, cancel := commandContext(cmd, 0)
	defer cancel()
	j, err := journal.Open(ctx, appCfg.Journal.Path)
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	entries, err := j.History(ctx, fingerprint, historyLimit)
	if err != nil {
		return err
	}
	docs := make([]historyDoc, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, historyDoc{
			CreatedAt:  e.CreatedAt.Format(time.RFC3339),
			Model:      e.Model,
			Operation:  e.Operation,
			Labels:     e.Labels,
			Slice:      e.Slice,
			Overlap:    e.Overlap,
			LabelBytes: e.LabelBytes,
		})
	}
	return writeYAML(cmd.OutOrStdout(), map[string]any{
		"fingerprint": fingerprint,
		"entries":     docs,
	})
}
