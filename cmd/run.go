package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kozaktomas/rollcall/internal/recognition"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run recognition in the foreground",
	Long: `Open the camera and record attendance until interrupted.

Every recognition event is printed as it happens. Flags override the
configured recognition settings for this run only.`,
	RunE: runRecognition,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Int("device", 0, "Camera device index (default from config)")
	runCmd.Flags().Int("threshold", 0, "Confidence threshold 50-95 (default from config)")
	runCmd.Flags().Int("cooldown", 0, "Per-person cooldown in seconds (default from config)")
	runCmd.Flags().Int("tick", 0, "Recognition tick in milliseconds, 30-200 (default from config)")
	runCmd.Flags().Bool("json", false, "Print events as JSON lines")
}

func runRecognition(cmd *cobra.Command, args []string) error {
	a, cfg, logger, closeApp, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp()

	rc := a.RecognitionConfig()
	rc.DeviceIndex = intFlagOr(cmd, "device", rc.DeviceIndex)
	rc.ConfidenceThreshold = intFlagOr(cmd, "threshold", rc.ConfidenceThreshold)
	rc.CooldownSeconds = intFlagOr(cmd, "cooldown", rc.CooldownSeconds)
	rc.TickIntervalMS = intFlagOr(cmd, "tick", rc.TickIntervalMS)
	jsonOutput := mustGetBool(cmd, "json")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler, err := startPruneScheduler(a, cfg, logger)
	if err != nil {
		return err
	}
	defer scheduler.Stop()

	printEvent := eventPrinter(os.Stdout, jsonOutput)
	events, unsubscribe := a.Subscribe()
	defer unsubscribe()

	handle, err := a.StartRecognition(ctx, rc)
	if err != nil {
		return fmt.Errorf("failed to start recognition: %w", err)
	}
	if !jsonOutput {
		fmt.Printf("Recognition running on camera %d (threshold %d, cooldown %ds)\n",
			rc.DeviceIndex, rc.ConfidenceThreshold, rc.CooldownSeconds)
		fmt.Println("Press Ctrl+C to stop")
	}

	for {
		select {
		case <-ctx.Done():
			if !jsonOutput {
				fmt.Println("\nStopping...")
			}
			a.StopRecognition()
			return nil
		case <-handle.Done():
			if err := handle.Err(); err != nil {
				a.StopRecognition()
				return fmt.Errorf("recognition stopped: %w", err)
			}
			return nil
		case ev := <-events:
			if err := printEvent(ev); err != nil {
				logger.Warn("failed to print event", zap.Error(err))
			}
		}
	}
}

// eventPrinter writes one event per line: a JSON object when jsonLines is
// set, otherwise a short aligned text line.
func eventPrinter(w io.Writer, jsonLines bool) func(recognition.Event) error {
	if jsonLines {
		encoder := json.NewEncoder(w)
		return func(ev recognition.Event) error {
			return encoder.Encode(ev)
		}
	}
	return func(ev recognition.Event) error {
		return writeEventLine(w, ev)
	}
}

func writeEventLine(w io.Writer, ev recognition.Event) error {
	ts := ev.At.Format("15:04:05")
	var err error
	switch ev.Type {
	case recognition.EventAccepted:
		_, err = fmt.Fprintf(w, "%s  present   %-20s %5.1f\n", ts, ev.PersonID, ev.Confidence)
	case recognition.EventDropped:
		_, err = fmt.Fprintf(w, "%s  skipped   %-20s %5.1f (%s)\n", ts, ev.PersonID, ev.Confidence, ev.Reason)
	case recognition.EventUnknown:
		_, err = fmt.Fprintf(w, "%s  unknown   %-20s %5.1f\n", ts, "-", ev.Confidence)
	case recognition.EventState:
		_, err = fmt.Fprintf(w, "%s  state     %s\n", ts, ev.State)
	case recognition.EventDeviceLost, recognition.EventFaulted:
		_, err = fmt.Fprintf(w, "%s  %s: %s\n", ts, ev.Type, ev.Error)
	}
	return err
}
