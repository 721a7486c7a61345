package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/gatekeeper/internal/events"
	"github.com/andresmejia3/gatekeeper/internal/types"
	"github.com/andresmejia3/gatekeeper/internal/utils"
)

var (
	eventsLimit  int
	eventsSince  time.Duration
	eventsOpened bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent access decisions from the event journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if Cfg.Journal.Path == "" {
			return fmt.Errorf("the event journal is disabled (journal.path is empty)")
		}
		j, err := events.Open(Cfg.Journal.Path)
		if err != nil {
			utils.ShowError("Failed to open event journal", err, nil)
			return err
		}
		defer j.Close()

		f := events.Filter{Limit: eventsLimit, OnlyOpened: eventsOpened}
		if eventsSince > 0 {
			f.Since = time.Now().Add(-eventsSince)
		}
		list, err := j.List(cmd.Context(), f)
		if err != nil {
			utils.ShowError("Failed to read event journal", err, nil)
			return err
		}
		if len(list) == 0 {
			fmt.Println("No access events recorded.")
			return nil
		}
		return printEvents(os.Stdout, list)
	},
}

func printEvents(out io.Writer, list []types.Decision) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TIME\tPERSON\tSTATUS\tSCORE\tTEMP\tMASK\tLIVE\tDOOR\tMODE")
	fmt.Fprintln(w, "----\t------\t------\t-----\t----\t----\t----\t----\t----")
	for _, d := range list {
		temp := "-"
		if d.Person.Temperature > 0 {
			temp = fmt.Sprintf("%.1f", d.Person.Temperature)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\t%s\t%s\t%s\t%s\t%s\n",
			d.Time.Local().Format("2006-01-02 15:04:05"), personLabel(d.Person), d.Person.Identity.Status,
			d.Person.Score, temp, yesNo(d.Person.HasMask), yesNo(d.Person.IsLive), doorLabel(d.Verdict.Open), d.Mode)
	}
	return w.Flush()
}

func init() {
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "l", 50, "Maximum number of events to show")
	eventsCmd.Flags().DurationVar(&eventsSince, "since", 0, "Only show events newer than this (e.g. 24h)")
	eventsCmd.Flags().BoolVar(&eventsOpened, "opened", false, "Only show decisions that opened the door")
	rootCmd.AddCommand(eventsCmd)
}
