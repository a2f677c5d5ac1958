package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/photosift/internal/config"
	"github.com/andresmejia3/photosift/internal/faces"
	"github.com/andresmejia3/photosift/internal/utils"
)

var matchCmd = &cobra.Command{
	Use:   "match <image_path>",
	Short: "Check whether one photo would be pulled out by the face filter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		enc := startEncoder(Cfg, Log)
		defer enc.Close()
		_, err := runMatch(cmd.Context(), Cfg, args[0], enc, Log, os.Stdout)
		return err
	},
}

func init() {
	addMatchFlags(matchCmd.Flags())
	rootCmd.AddCommand(matchCmd)
}

// runMatch reports the distance of every face in imagePath to the closest
// reference, and whether the photo is a match.
func runMatch(ctx context.Context, cfg *config.Config, imagePath string, enc faceEncoder, log *slog.Logger, w io.Writer) (bool, error) {
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return false, err
	}

	fmt.Fprintln(os.Stderr, "🚀 Loading reference faces...")
	refs, err := faces.LoadReferences(ctx, cfg.References, cfg.Extensions, enc, log)
	if err != nil {
		utils.ShowError("Failed to load reference faces", err, enc.Command())
		return false, err
	}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing photo...")
	vecs, err := enc.Encode(ctx, imgData)
	if faces.IsDecodeError(err) {
		fmt.Fprintf(w, "⚠️  Photo could not be decoded (%v). It would stay in the remainder.\n", err)
		return false, nil
	}
	if err != nil {
		utils.ShowError("Face encoder failed", err, enc.Command())
		return false, err
	}

	if len(vecs) == 0 {
		fmt.Fprintln(w, "❌ No faces detected. The photo would stay in the remainder.")
		return false, nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "FACE\tCLOSEST REFERENCE\tDISTANCE\tMATCH")
	fmt.Fprintln(tw, "----\t-----------------\t--------\t-----")
	for i, v := range vecs {
		name, dist := refs.Closest(v)
		hit := "no"
		if dist <= cfg.Tolerance {
			hit = "yes"
		}
		fmt.Fprintf(tw, "%d\t%s\t%.3f\t%s\n", i+1, name, dist, hit)
	}
	tw.Flush()

	if refs.MatchesAny(vecs, cfg.Tolerance) {
		fmt.Fprintf(w, "\n✅ Match (tolerance %.2f). The photo would be moved to %s.\n", cfg.Tolerance, cfg.Results)
		return true, nil
	}
	fmt.Fprintf(w, "\n❌ No match (tolerance %.2f). The photo would stay in the remainder.\n", cfg.Tolerance)
	return false, nil
}
