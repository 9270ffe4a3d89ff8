package cli

import (
	"fmt"

	"github.com/harun/kurir/pkg/session"
	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset <conversation>",
	Short: "Clear a conversation's history and provider session",
	Long: `Clear the stored transcript and provider session token of one
conversation, e.g. "telegram:12345" or "cli:local".`,
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	id := args[0]
	if err := session.ValidateID(id); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := session.Open(cfg.Store.Backend, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	if err := store.ClearTurns(ctx, id); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	if err := store.ClearSession(ctx, id); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Conversation %s cleared\n", id)
	return nil
}
