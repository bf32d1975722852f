package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry sweep",
	Long: `Ends open sessions past their expiry and fails PENDING sessions whose
provisioning was abandoned, then exits.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Manager.Sweep(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "expired: %d  abandoned: %d  errors: %d\n", res.Expired, res.Abandoned, res.Errors)
	if res.Errors > 0 {
		return fmt.Errorf("%d sessions could not be ended", res.Errors)
	}
	return nil
}
