package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/gatekeeper/internal/utils"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all enrolled persons in the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runList(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context) error {
	db, err := connectStore(ctx)
	if err != nil {
		utils.ShowError("Failed to open face database", err, nil)
		return err
	}
	defer db.Close(context.Background())

	persons, err := db.ListPersons(ctx)
	if err != nil {
		utils.ShowError("Failed to list persons", err, nil)
		return err
	}

	if len(persons) == 0 {
		fmt.Println("No persons enrolled in database.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSAMPLES\tCREATED")
	fmt.Fprintln(w, "--\t----\t------\t-------\t-------")

	for _, p := range persons {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", p.ID, p.Name, p.Status, p.Samples, p.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
