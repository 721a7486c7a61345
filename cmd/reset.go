package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/gatekeeper/internal/events"
	"github.com/andresmejia3/gatekeeper/internal/utils"
)

var (
	resetPersons bool
	resetEvents  bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset terminal state (enrolled persons, event journal)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		// If no flags are set, default to clearing EVERYTHING
		if !resetPersons && !resetEvents {
			resetPersons = true
			resetEvents = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetPersons {
			if confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP all enrolled persons?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := resetDatabase(ctx); err != nil {
					utils.ShowError("Failed to reset database", err, nil)
					return err
				}
			}
		}

		if resetEvents && Cfg.Journal.Path != "" {
			if confirm(reader, os.Stdout, "⚠️  Are you sure you want to delete the access event journal?") {
				fmt.Println("🗑️  Clearing Event Journal...")
				n, err := resetJournal(ctx, Cfg.Journal.Path)
				if err != nil {
					utils.ShowError("Failed to reset event journal", err, nil)
					return err
				}
				fmt.Printf("   %d events removed\n", n)
			}
		}

		fmt.Println("✨ Terminal Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetPersons, "persons", false, "Clear the PostgreSQL person registry")
	resetCmd.Flags().BoolVar(&resetEvents, "events", false, "Clear the SQLite event journal")
	rootCmd.AddCommand(resetCmd)
}

func resetDatabase(ctx context.Context) error {
	db, err := connectStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close(context.Background())
	return db.Reset(ctx)
}

func resetJournal(ctx context.Context, path string) (int64, error) {
	j, err := events.Open(path)
	if err != nil {
		return 0, err
	}
	defer j.Close()
	return j.Reset(ctx)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
