package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var attendanceCmd = &cobra.Command{
	Use:   "attendance",
	Short: "List attendance records of a day",
	RunE:  runAttendance,
}

func init() {
	rootCmd.AddCommand(attendanceCmd)

	attendanceCmd.Flags().String("date", "", "Date as YYYY-MM-DD (default today)")
	attendanceCmd.Flags().Bool("json", false, "Output as JSON")
}

func runAttendance(cmd *cobra.Command, args []string) error {
	a, _, _, closeApp, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp()

	date := mustGetString(cmd, "date")
	records, err := a.Attendance(context.Background(), date)
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(records)
	}
	if date == "" {
		date = a.Status().Today
	}
	if len(records) == 0 {
		fmt.Printf("No attendance on %s\n", date)
		return nil
	}

	fmt.Printf("Attendance on %s: %d\n\n", date, len(records))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tPERSON\tCONFIDENCE\tMETHOD")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%.1f\t%s\n", r.Time, r.PersonID, r.Confidence, r.Method)
	}
	return w.Flush()
}
