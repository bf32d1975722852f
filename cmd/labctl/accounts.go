package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Show which pool accounts are claimed",
	Args:  cobra.NoArgs,
	RunE:  runAccounts,
}

func init() {
	rootCmd.AddCommand(accountsCmd)
}

func runAccounts(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	registry, closeFn, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	availability, err := registry.Availability(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), availability)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tREGION\tSTATE\tSESSION")
	for _, a := range availability {
		state, sessionID := "free", "-"
		if a.Claimed {
			state, sessionID = "claimed", a.SessionID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Account.ID, a.Account.Region, state, sessionID)
	}
	return w.Flush()
}
