package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var retrainCmd = &cobra.Command{
	Use:   "retrain",
	Short: "Rebuild the classifier from all stored samples",
	Long: `Rebuild the classifier from every stored face sample.

Needs samples of at least two people. The previous model stays in place when
training fails.`,
	RunE: runRetrain,
}

func init() {
	rootCmd.AddCommand(retrainCmd)
	retrainCmd.Flags().Bool("json", false, "Output as JSON")
}

func runRetrain(cmd *cobra.Command, args []string) error {
	a, _, _, closeApp, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp()

	res, err := a.Retrain()
	if err != nil {
		return fmt.Errorf("retrain failed: %w", err)
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(res)
	}
	fmt.Printf("Trained on %d samples of %d people\n", res.Samples, res.Persons)
	return nil
}
