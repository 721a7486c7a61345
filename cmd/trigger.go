package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/gatekeeper/internal/relay"
	"github.com/andresmejia3/gatekeeper/internal/utils"
)

var triggerHold time.Duration

var triggerCmd = &cobra.Command{
	Use:   "trigger-relay",
	Short: "Open the door relay for a fixed time",
	Long:  "Drives the configured relay away from its rest level for --duration, waits for the release, and exits.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if triggerHold <= 0 {
			return fmt.Errorf("--duration must be > 0, got %s", triggerHold)
		}
		cmd.SilenceUsage = true

		line, err := openLine(Cfg.Relay, Cfg.Relay.Driver)
		if err != nil {
			utils.ShowError("Failed to open relay", err, nil)
			return err
		}
		if c, ok := line.(interface{ Close() error }); ok {
			defer c.Close()
		}

		r := relay.New(line, Cfg.RestLevel(), nil, Logger)
		fmt.Fprintf(os.Stderr, "🔓 Opening relay (%s) for %s...\n", Cfg.Relay.Driver, triggerHold)
		if err := pulse(cmd.Context(), r, triggerHold); err != nil {
			utils.ShowError("Relay trigger failed", err, nil)
			return err
		}
		if n := r.Stats().WriteFailures; n > 0 {
			err := fmt.Errorf("%d relay writes failed", n)
			utils.ShowError("Relay trigger failed", err, nil)
			return err
		}
		fmt.Fprintln(os.Stderr, "🔒 Relay released.")
		return nil
	},
}

// pulse runs r until a single trigger of hold has been released.
func pulse(ctx context.Context, r *relay.Relay, hold time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	if err := r.Trigger(ctx, hold); err != nil {
		cancel()
		<-done
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			// Interrupted: Run has already put the line back at rest.
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-ticker.C:
		}
		if s := r.Stats(); s.Releases > 0 && s.Outstanding == 0 {
			cancel()
			if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}
	}
}

func init() {
	triggerCmd.Flags().DurationVarP(&triggerHold, "duration", "d", 3*time.Second, "How long to hold the relay open")
	rootCmd.AddCommand(triggerCmd)
}
