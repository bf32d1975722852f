package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/labforge/pkg/models"
)

var (
	listStatuses []string
	endReason    string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and end lab sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Long: `List sessions, newest first.

Without --status only open (PENDING and ACTIVE) sessions are shown.`,
	Args: cobra.NoArgs,
	RunE: runSessionsList,
}

var sessionsEndCmd = &cobra.Command{
	Use:   "end <session-id>",
	Short: "End a session regardless of owner and destroy its resources",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsEnd,
}

func init() {
	sessionsListCmd.Flags().StringSliceVar(&listStatuses, "status", nil, "Filter by status (PENDING, ACTIVE, FAILED, ENDED, or all)")
	sessionsEndCmd.Flags().StringVar(&endReason, "reason", "operator", "Reason recorded on the ended event")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsEndCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func parseStatuses(values []string) ([]models.SessionStatus, error) {
	if len(values) == 0 {
		return models.OpenStatuses, nil
	}
	var out []models.SessionStatus
	for _, v := range values {
		s := models.SessionStatus(strings.ToUpper(strings.TrimSpace(v)))
		switch s {
		case "ALL":
			return nil, nil
		case models.StatusPending, models.StatusActive, models.StatusFailed, models.StatusEnded:
			out = append(out, s)
		default:
			return nil, fmt.Errorf("unknown status %q", v)
		}
	}
	return out, nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	statuses, err := parseStatuses(listStatuses)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	st, _, closeFn, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	sessions, err := st.ListByStatus(ctx, statuses...)
	if err != nil {
		return err
	}

	if jsonOutput {
		views := make([]*models.SessionView, 0, len(sessions))
		for _, s := range sessions {
			v := models.NewSessionView(s)
			v.Credentials = nil
			views = append(views, v)
		}
		return printJSON(cmd.OutOrStdout(), views)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tUSER\tLAB\tACCOUNT\tSTATUS\tSTARTED\tEXPIRES")
	for _, s := range sessions {
		started, expires := s.StartedAt, s.ExpiresAt
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(s.ID), s.UserID, s.LabID, s.AccountID, s.Status,
			formatTime(&started), formatTime(&expires))
	}
	return w.Flush()
}

func runSessionsEnd(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	view, err := a.Manager.ForceEnd(ctx, args[0], endReason)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), view)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "session %s is %s\n", view.SessionID, view.Status)
	if view.CleanupWarning != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", view.CleanupWarning)
	}
	return nil
}
