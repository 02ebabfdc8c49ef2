package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/auditrelay/pkg/client"
	"github.com/spf13/cobra"
)

const requestTimeout = 60 * time.Second

func apiClient() (*client.Client, error) {
	return client.New(apiURL, client.WithBearerToken(token))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── endpoints ────────────────────────────────────────────────────────────────

func newEndpointsCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "List the organization's webhook endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			eps, err := c.ListEndpoints(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if format == "json" {
				return printJSON(out, eps)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tACTIVE\tURL\tEVENTS")
			for _, ep := range eps {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%v\n", ep.ID, ep.Name, ep.IsActive, ep.URL, ep.EventTypes)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or json")
	return cmd
}

// ── deliveries ───────────────────────────────────────────────────────────────

func newDeliveriesCmd() *cobra.Command {
	var (
		limit int
		retry string
	)
	cmd := &cobra.Command{
		Use:   "deliveries <endpoint-id>",
		Short: "List recent deliveries for an endpoint, or retry one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			out := cmd.OutOrStdout()

			if retry != "" {
				status, err := c.RetryDelivery(ctx, args[0], retry)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "delivery %s: %s\n", retry, status)
				return nil
			}

			ds, err := c.ListDeliveries(ctx, args[0], limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tATTEMPT\tHTTP\tNEXT RETRY\tERROR")
			for _, d := range ds {
				code, next, msg := "-", "-", ""
				if d.HTTPStatusCode != nil {
					code = fmt.Sprint(*d.HTTPStatusCode)
				}
				if d.NextRetryAt != nil {
					next = d.NextRetryAt.Format(time.RFC3339)
				}
				if d.ErrorMessage != nil {
					msg = *d.ErrorMessage
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", d.ID, d.Status, d.AttemptNumber, code, next, msg)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum deliveries to list (max 100)")
	cmd.Flags().StringVar(&retry, "retry", "", "delivery ID to retry now instead of listing")
	return cmd
}

// ── retries ──────────────────────────────────────────────────────────────────

func newRetriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retries",
		Short: "Run one webhook retry sweep via the cron endpoint",
		Long: `retries calls POST /cron/webhook-retries. Pass the server's cron secret
with --token (or RELAYCTL_TOKEN).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			res, err := c.TriggerRetries(ctx)
			if err != nil {
				return err
			}
			r := res.Report
			fmt.Fprintf(cmd.OutOrStdout(),
				"due=%d succeeded=%d rescheduled=%d failed=%d skipped=%d errors=%d stalled=%d undispatched=%d (%dms)\n",
				r.Due, r.Succeeded, r.Rescheduled, r.Failed, r.Skipped, r.Errors, r.Stalled, r.Undispatched, res.DurationMS)
			return nil
		},
	}
}

// ── stats ────────────────────────────────────────────────────────────────────

func newStatsCmd() *cobra.Command {
	var (
		since  time.Duration
		format string
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show audit event and webhook delivery statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			var start time.Time
			if since > 0 {
				start = time.Now().Add(-since)
			}
			st, err := c.Stats(ctx, start, time.Time{})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if format == "json" {
				return printJSON(out, st)
			}

			fmt.Fprintf(out, "Audit events: %d\n", st.AuditStats.Total)
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			for _, k := range sortedKeys(st.AuditStats.EventTypes) {
				fmt.Fprintf(w, "  %s\t%d\n", k, st.AuditStats.EventTypes[k])
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if ws := st.WebhookStats; ws != nil {
				fmt.Fprintf(out, "Webhook deliveries: %d (%.1f%% success)\n", ws.Total, ws.SuccessRate)
				for _, k := range sortedKeys(ws.ByStatus) {
					fmt.Fprintf(w, "  %s\t%d\n", k, ws.ByStatus[k])
				}
				return w.Flush()
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "window length ending now, e.g. 24h (default: server's 7 days)")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or json")
	return cmd
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
