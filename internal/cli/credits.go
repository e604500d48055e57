package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wwc-network/wwc/internal/app/ledger"
	"github.com/wwc-network/wwc/internal/client/remote"
	"github.com/wwc-network/wwc/internal/domain"
)

var (
	identity  string
	serverURL string
	jsonOut   bool
)

func init() {
	for _, c := range []*cobra.Command{balanceCmd, spendCmd, historyCmd, unlockCmd, swipeCmd} {
		c.Flags().StringVar(&identity, "identity", os.Getenv("WWC_IDENTITY"), "verified identity (nullifier hash)")
		c.Flags().StringVar(&serverURL, "server", "", "ledger server URL (default from config)")
		c.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
		rootCmd.AddCommand(c)
	}
	spendCmd.Flags().String("reason", ledger.ReasonSpend, "ledger reason")
	spendCmd.Flags().String("note", "", "free-form note")
	historyCmd.Flags().Int("limit", 20, "number of entries")
	unlockCmd.Flags().Int64("cost", 0, "credit cost (default from server)")
}

// remoteClient returns the ledger client and the caller identity.
func remoteClient() (*remote.Client, domain.Identity, error) {
	id := domain.Identity(identity)
	if id.IsZero() {
		return nil, "", fmt.Errorf("%w: pass --identity or set WWC_IDENTITY", domain.ErrNoIdentity)
	}
	url := serverURL
	if url == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, "", err
		}
		url = cfg.Sync.ServerURL
	}
	return remote.New(url), id, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ─── balance ────────────────────────────────────────────────────────────────

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the credit balance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, id, err := remoteClient()
		if err != nil {
			return err
		}
		bal, err := c.GetBalance(cmd.Context(), id)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(map[string]int64{"balance": bal})
		}
		fmt.Printf("%d credits\n", bal)
		return nil
	},
}

// ─── spend ──────────────────────────────────────────────────────────────────

var spendCmd = &cobra.Command{
	Use:   "spend AMOUNT",
	Short: "Spend credits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %q", domain.ErrInvalidAmount, args[0])
		}
		reason, _ := cmd.Flags().GetString("reason")
		note, _ := cmd.Flags().GetString("note")

		c, id, err := remoteClient()
		if err != nil {
			return err
		}
		res, err := c.SpendCredits(cmd.Context(), id, ledger.SpendInput{Amount: amount, Reason: reason, Note: note})
		if errors.Is(err, domain.ErrInsufficientFunds) {
			return fmt.Errorf("insufficient credits: balance %d, need %d", res.Balance, amount)
		}
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(res)
		}
		fmt.Printf("Spent %d credits, %d left\n", amount, res.Balance)
		return nil
	},
}

// ─── history ────────────────────────────────────────────────────────────────

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent ledger entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		c, id, err := remoteClient()
		if err != nil {
			return err
		}
		entries, err := c.History(cmd.Context(), id, limit)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No ledger entries.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tTYPE\tAMOUNT\tBALANCE\tREASON")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%+d\t%d\t%s\n",
				e.Timestamp.Local().Format(time.DateTime), e.Type, e.Delta(), e.Balance, e.Reason)
		}
		return w.Flush()
	},
}

// ─── unlock ─────────────────────────────────────────────────────────────────

var unlockCmd = &cobra.Command{
	Use:   "unlock CHANNEL",
	Short: "Unlock a premium channel with credits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cost, _ := cmd.Flags().GetInt64("cost")
		c, id, err := remoteClient()
		if err != nil {
			return err
		}
		out, err := c.UnlockChannel(cmd.Context(), id, args[0], cost)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(out)
		}
		if out.AlreadyUnlocked {
			fmt.Printf("%s was already unlocked\n", out.Channel)
			return nil
		}
		fmt.Printf("Unlocked %s, %d credits left\n", out.Channel, out.Balance)
		return nil
	},
}
