package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"skywatch/internal/writer"
)

func newTimelapseCmd(root *Root) *cobra.Command {
	var (
		fps     int
		output  string
		formats []string
	)

	cmd := &cobra.Command{
		Use:   "timelapse [input_directory]",
		Short: "Assemble a timelapse from written frames",
		Long: `Run ffmpeg over a directory of written frames. Without an argument
the newest day directory under the configured writer directory is used.

Examples:
  skywatch timelapse
  skywatch timelapse /var/lib/skywatch/frames/2026-08-23 --fps 24 --format mp4 --format gif`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := ""
			if len(args) > 0 {
				input = args[0]
			} else {
				days, err := filepath.Glob(filepath.Join(root.cfg.Writer.Directory, "*"))
				if err != nil || len(days) == 0 {
					return fmt.Errorf("no frame directories under %s", root.cfg.Writer.Directory)
				}
				input = days[len(days)-1]
			}
			if output == "" {
				output = filepath.Join(input, "timelapse.mp4")
			}

			res, err := writer.BuildTimelapse(cmd.Context(), root.log, writer.TimelapseRequest{
				InputDir: input,
				Output:   output,
				FPS:      fps,
				Formats:  formats,
			})
			if err != nil {
				return err
			}
			cmd.Printf("assembled %d frames\n", res.FrameCount)
			for _, f := range res.OutputFiles {
				cmd.Printf("  %s (%s, %d bytes)\n", f.Path, f.Format, f.Size)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&fps, "fps", 10, "frames per second")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path, defaults to the input directory")
	cmd.Flags().StringSliceVar(&formats, "format", []string{"mp4"}, "output formats (mp4, gif)")

	return cmd
}
