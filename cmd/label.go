package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/gatekeeper/internal/types"
	"github.com/andresmejia3/gatekeeper/internal/utils"
)

var labelCmd = &cobra.Command{
	Use:   "label <person_id> <name>",
	Short: "Rename an enrolled person",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid person ID %q: %w", args[0], err)
		}
		cmd.SilenceUsage = true
		return runLabel(cmd.Context(), id, args[1])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <person_id> <normal|blocked>",
	Short: "Block or unblock an enrolled person",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid person ID %q: %w", args[0], err)
		}
		status := types.ParseStatus(args[1])
		if status == types.StatusUnknown {
			return fmt.Errorf("status must be normal or blocked, got %q", args[1])
		}
		cmd.SilenceUsage = true
		return runStatus(cmd.Context(), id, status)
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
	rootCmd.AddCommand(statusCmd)
}

func runLabel(ctx context.Context, id int, name string) error {
	db, err := connectStore(ctx)
	if err != nil {
		utils.ShowError("Failed to open face database", err, nil)
		return err
	}
	defer db.Close(context.Background())

	if err := db.RenamePerson(ctx, id, name); err != nil {
		utils.ShowError("Failed to label person", err, nil)
		return err
	}

	fmt.Printf("✅ Person %d labeled as '%s'\n", id, name)
	return nil
}

func runStatus(ctx context.Context, id int, status types.PersonStatus) error {
	db, err := connectStore(ctx)
	if err != nil {
		utils.ShowError("Failed to open face database", err, nil)
		return err
	}
	defer db.Close(context.Background())

	if err := db.SetStatus(ctx, id, status); err != nil {
		utils.ShowError("Failed to update status", err, nil)
		return err
	}

	icon := "✅"
	if status == types.StatusBlocked {
		icon = "⛔"
	}
	fmt.Printf("%s Person %d is now %s\n", icon, id, status)
	return nil
}
