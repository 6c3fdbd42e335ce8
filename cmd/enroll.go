package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/rollcall/internal/enrollment"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <person-id>",
	Short: "Capture face samples for a person",
	Long: `Capture face samples for a person from the camera and add them to the
classifier.

The person should face the camera in good light. Frames without a usable face
are skipped. Ctrl+C cancels the enrollment and keeps nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().String("name", "", "Display name (defaults to the person id)")
	enrollCmd.Flags().Int("samples", 0, "Number of samples to capture (default from config)")
	enrollCmd.Flags().Bool("json", false, "Output as JSON instead of progress bar")
}

func runEnroll(cmd *cobra.Command, args []string) error {
	a, cfg, _, closeApp, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp()

	personID := args[0]
	target := intFlagOr(cmd, "samples", cfg.Enrollment.TargetSamples)
	jsonOutput := mustGetBool(cmd, "json")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Create progress bar (only for non-JSON output)
	var bar *progressbar.ProgressBar
	var onProgress func(enrollment.Progress)
	if !jsonOutput {
		fmt.Printf("Enrolling %s, need at least %d of %d samples\n\n",
			personID, enrollment.Required(target), target)
		bar = progressbar.NewOptions(target,
			progressbar.OptionSetDescription("Capturing"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("samples"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionFullWidth(),
		)
		onProgress = func(p enrollment.Progress) {
			_ = bar.Set(p.Collected)
			if p.Rejected != "" {
				bar.Describe(fmt.Sprintf("Capturing (skipped: %s)", p.Rejected))
			} else {
				bar.Describe("Capturing")
			}
		}
	}

	res, err := a.Enroll(ctx, personID, mustGetString(cmd, "name"), target, onProgress)
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	if err != nil {
		return fmt.Errorf("enrollment failed: %w", err)
	}

	if jsonOutput {
		return outputJSON(res)
	}
	fmt.Printf("Enrolled %s with %d samples\n", res.PersonID, res.SamplesWritten)
	return nil
}
