package cmd

import (
	"github.com/spf13/cobra"

	"github.com/zjrosen/labelpanel/internal/viewcontext"
)

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Print the view context derived from the viewer layout",
	Args:  cobra.NoArgs,
	RunE:  runContext,
}

func init() {
	rootCmd.AddCommand(contextCmd)
}

// contextDoc is the YAML shape of a view context.
type contextDoc struct {
	ActiveIndex           int      `yaml:"active_index"`
	PatientID             string   `yaml:"patient_id"`
	StudyInstanceUID      string   `yaml:"study_instance_uid"`
	SeriesInstanceUID     string   `yaml:"series_instance_uid"`
	DisplaySetInstanceUID string   `yaml:"display_set_instance_uid"`
	FrameCount            int      `yaml:"frame_count"`
	Surface               string   `yaml:"surface"`
	Fingerprint           string   `yaml:"fingerprint"`
	ImageIDs              []string `yaml:"image_ids"`
}

func newContextDoc(vc viewcontext.ViewContext) contextDoc {
	return contextDoc{
		ActiveIndex:           vc.ActiveIndex,
		PatientID:             vc.PatientID,
		StudyInstanceUID:      vc.StudyInstanceUID,
		SeriesInstanceUID:     vc.SeriesInstanceUID,
		DisplaySetInstanceUID: vc.DisplaySetInstanceUID,
		FrameCount:            vc.FrameCount,
		Surface:               vc.Surface.ID,
		Fingerprint:           vc.Fingerprint,
		ImageIDs:              vc.ImageIDs(),
	}
}

func runContext(cmd *cobra.Command, _ []string) error {
	layout, err := loadLayout()
	if err != nil {
		return err
	}
	vc, err := deriveView(layout)
	if err != nil {
		return err
	}
	return writeYAML(cmd.OutOrStdout(), newContextDoc(vc))
}
