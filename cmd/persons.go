package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var personsCmd = &cobra.Command{
	Use:   "persons",
	Short: "Manage enrolled persons",
}

var personsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled persons",
	RunE:  runPersonsList,
}

var personsDeleteCmd = &cobra.Command{
	Use:   "delete <person-id>",
	Short: "Delete a person with all samples and rebuild the classifier",
	Args:  cobra.ExactArgs(1),
	RunE:  runPersonsDelete,
}

func init() {
	rootCmd.AddCommand(personsCmd)
	personsCmd.AddCommand(personsListCmd)
	personsCmd.AddCommand(personsDeleteCmd)

	personsListCmd.Flags().Bool("json", false, "Output as JSON")
}

func runPersonsList(cmd *cobra.Command, args []string) error {
	a, _, _, closeApp, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp()

	list := a.Persons()
	if mustGetBool(cmd, "json") {
		return outputJSON(list)
	}
	if len(list) == 0 {
		fmt.Println("No persons enrolled")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSAMPLES\tENROLLED")
	for _, p := range list {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", p.PersonID, p.DisplayName, p.SampleCount, p.EnrolledAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runPersonsDelete(cmd *cobra.Command, args []string) error {
	a, _, _, closeApp, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp()

	removed, err := a.DeletePerson(args[0])
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", args[0], err)
	}
	fmt.Printf("Deleted %s (%d samples)\n", args[0], removed)
	return nil
}
