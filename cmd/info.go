package cmd

import (
	"github.com/spf13/cobra"

	"github.com/zjrosen/labelpanel/internal/notify"
	"github.com/zjrosen/labelpanel/internal/panel"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the server's capabilities as YAML",
	Long: `Query the configured MONAI Label server once and print its capability
document (models, labels, strategies, trainers) as YAML.`,
	Args: cobra.NoArgs,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext(cmd, appCfg.Server.Timeout)
	defer cancel()

	session := panel.NewSession(clientFactory(), notify.LogSink{})
	if err := session.RefreshServerInfo(ctx); err != nil {
		return err
	}
	return writeYAML(cmd.OutOrStdout(), map[string]any(session.ServerInfo()))
}
