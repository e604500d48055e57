package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wwc-network/wwc/internal/client/creditsync"
	"github.com/wwc-network/wwc/internal/client/lifecycle"
	"github.com/wwc-network/wwc/internal/client/localstore"
	"github.com/wwc-network/wwc/internal/domain"
)

func init() {
	swipeCmd.Flags().Int("count", 1, "number of swipes")
	swipeCmd.Flags().Int64("per-swipe", 1, "credits earned per swipe")
}

var swipeCmd = &cobra.Command{
	Use:   "swipe",
	Short: "Earn credits through the sync engine",
	Long: `Simulate swiping through content cards. Each swipe credits the local
balance at once; the sync engine then flushes the pending credits to the
ledger in idempotent batches.`,
	Args: cobra.NoArgs,
	RunE: runSwipe,
}

func runSwipe(cmd *cobra.Command, args []string) error {
	count, _ := cmd.Flags().GetInt("count")
	per, _ := cmd.Flags().GetInt64("per-swipe")
	if count <= 0 || per <= 0 {
		return fmt.Errorf("%w: count and per-swipe must be positive", domain.ErrInvalidAmount)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, id, err := remoteClient()
	if err != nil {
		return err
	}

	logger := newLogger(os.Stderr)
	engine := creditsync.New(cfg.Sync.Engine(), client, domain.StaticIdentity(id),
		localstore.NewFile(cfg.Sync.StateFile),
		creditsync.WithLogger(logger),
	)
	trigger := lifecycle.New(cfg.Sync.Trigger(), engine, lifecycle.WithLogger(logger))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		return err
	}
	go trigger.Run(ctx)

	updates, unsubscribe := engine.Subscribe()
	defer unsubscribe()
	go func() {
		for u := range updates {
			if verbose {
				fmt.Fprintf(os.Stderr, "  visible=%d pending=%d state=%s\n", u.Visible, u.Pending, u.State)
			}
		}
	}()

	trigger.Navigate(ctx, "feed")
	for i := 0; i < count; i++ {
		engine.Add(per)
	}
	trigger.Hide(ctx)

	// Hide is best-effort; make one bounded attempt so the command can
	// report what actually reached the ledger.
	flushErr := engine.Flush(ctx)

	s := engine.Snapshot()
	if jsonOut {
		return printJSON(s)
	}
	fmt.Printf("Swiped %d cards: %d credits visible, %d pending\n", count, s.Visible, s.Pending)
	if flushErr != nil {
		return fmt.Errorf("pending credits not delivered: %w", flushErr)
	}
	return nil
}
