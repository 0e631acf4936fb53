package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"Warden/pkg/client"
)

var (
	approvalStatus string
	retryStatus    string
	auditLimit     int
	denyReason     string
)

func init() {
	rootCmd.AddCommand(statusCmd, approvalsCmd, approveCmd, denyCmd, retryCmd, auditCmd, interactCmd)

	approvalsCmd.Flags().StringVar(&approvalStatus, "status", "pending", "filter by status: pending, approved, denied, consumed or empty for all")
	retryCmd.Flags().StringVar(&retryStatus, "status", "", "filter by status: pending, scheduled, succeeded, abandoned")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 20, "number of entries to show")
	denyCmd.Flags().StringVar(&denyReason, "reason", "", "reason recorded with the denial")
}

func newClient() (*client.Client, error) {
	return client.New(serverURL, client.WithToken(apiToken))
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		st, err := c.Status(cmd.Context())
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), st)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Uptime:\t%s\n", st.Uptime.Round(time.Second))
		fmt.Fprintf(w, "Recovery:\t%s (degraded=%t)\n", st.Memory.Source, st.Degraded)
		fmt.Fprintf(w, "Budget:\thourly %d/%d, daily %d/%d\n",
			st.Budget.Hourly.Count, st.Budget.Hourly.Limit, st.Budget.Daily.Count, st.Budget.Daily.Limit)
		fmt.Fprintf(w, "Approvals:\t%d pending\n", st.PendingApprovals)
		fmt.Fprintf(w, "Retry:\t%s\n", formatCounts(st.Retry))
		if st.NextRetryAt != nil {
			fmt.Fprintf(w, "Next retry:\t%s\n", st.NextRetryAt.Format(time.RFC3339))
		}
		fmt.Fprintf(w, "Heartbeat:\tenabled=%t every %s quiet=%s\n", st.Heartbeat.Enabled, st.Heartbeat.Interval, st.Heartbeat.QuietHours)
		for _, job := range st.Heartbeat.Jobs {
			fmt.Fprintf(w, "  %s\t%s next %s\n", job.Name, job.Schedule, job.NextDue.Format(time.RFC3339))
		}
		fmt.Fprintf(w, "Audit seq:\t%d\n", st.AuditSeq)
		fmt.Fprintf(w, "Oracle:\t%s\n", st.Oracle)
		return w.Flush()
	},
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List approval requests",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		items, err := c.Approvals(cmd.Context(), approvalStatus)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), items)
		}
		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No approvals found.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTOOL\tSTATUS\tREQUESTS\tREQUESTED\tARGUMENTS")
		for _, a := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				a.ID, a.Tool, a.Status, a.Requests, a.RequestedAt.Format(time.RFC3339), truncate(string(a.Arguments), 60))
		}
		return w.Flush()
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <approval-id>",
	Short: "Approve a pending call and run it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		d, err := c.Approve(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printDecision(cmd.OutOrStdout(), d)
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny <approval-id>",
	Short: "Deny a pending call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		d, err := c.Deny(cmd.Context(), args[0], denyReason)
		if err != nil {
			return err
		}
		return printDecision(cmd.OutOrStdout(), d)
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "List retry queue actions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		items, err := c.RetryActions(cmd.Context(), retryStatus)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), items)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tATTEMPTS\tNEXT\tLAST ERROR")
		for _, a := range items {
			next := "-"
			if !a.NextRetryAt.IsZero() {
				next = a.NextRetryAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n", a.ID, a.Type, a.Status, a.Attempts, a.MaxAttempts, next, truncate(a.LastError, 60))
		}
		return w.Flush()
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent audit entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		entries, err := c.Audit(cmd.Context(), auditLimit)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), entries)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIME\tTYPE\tLEVEL\tSTATUS\tDETAIL")
		for _, e := range entries {
			detail := e.Result
			if e.Error != "" {
				detail = e.Error
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", e.Seq, e.Timestamp.Format(time.RFC3339), e.Type, e.Level, e.Status, truncate(detail, 60))
		}
		return w.Flush()
	},
}

var interactCmd = &cobra.Command{
	Use:   "interact <message>",
	Short: "Send a message to the agent and print its reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Interact(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, res.Reply)
		if res.Paused {
			fmt.Fprintln(out, "(paused: budget exhausted)")
		}
		if res.Truncated {
			fmt.Fprintf(out, "(truncated by %s after %d rounds)\n", res.TruncatedBy, res.Rounds)
		}
		if res.Error != "" {
			fmt.Fprintf(out, "error: %s\n", res.Error)
		}
		return nil
	},
}

func printDecision(out io.Writer, d *client.Decision) error {
	if outputJSON {
		return printJSON(out, d)
	}
	fmt.Fprintf(out, "Approval %s is %s\n", d.Approval.ID, d.Approval.Status)
	if d.Result != nil {
		fmt.Fprintf(out, "Call %s: %s\n", d.Result.Tool, d.Result.Outcome)
		if d.Result.Output != "" {
			fmt.Fprintln(out, d.Result.Output)
		}
		if d.Result.Error != "" {
			fmt.Fprintf(out, "error: %s\n", d.Result.Error)
		}
	}
	if d.RetryID != "" {
		fmt.Fprintf(out, "Queued for retry as %s\n", d.RetryID)
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "empty"
	}
	parts := make([]string, 0, len(counts))
	for _, status := range []string{"pending", "scheduled", "succeeded", "abandoned"} {
		if n, ok := counts[status]; ok {
			parts = append(parts, fmt.Sprintf("%s=%d", status, n))
		}
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
