package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var markCmd = &cobra.Command{
	Use:   "mark <person-id>",
	Short: "Mark an enrolled person present manually",
	Args:  cobra.ExactArgs(1),
	RunE:  runMark,
}

func init() {
	rootCmd.AddCommand(markCmd)
	markCmd.Flags().Bool("json", false, "Output as JSON")
}

func runMark(cmd *cobra.Command, args []string) error {
	a, _, _, closeApp, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp()

	d, err := a.MarkManual(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to mark %s: %w", args[0], err)
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(d)
	}
	if !d.Accepted {
		fmt.Printf("%s not recorded: %s\n", args[0], d.Reason)
		return nil
	}
	fmt.Printf("%s marked present at %s\n", d.Record.PersonID, d.Record.Time)
	return nil
}
