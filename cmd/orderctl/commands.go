// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tpd/orderrelay/internal/ledger"
	"github.com/tpd/orderrelay/internal/models"
)

// env holds the lazily opened dependencies shared by every command.
type env struct {
	actor string

	openLedger func(context.Context) (*ledger.Ledger, error)
	openSender func(context.Context) (ledger.Sender, error)

	ledger *ledger.Ledger
	sender ledger.Sender
}

func (e *env) getLedger(ctx context.Context) (*ledger.Ledger, error) {
	if e.ledger == nil {
		l, err := e.openLedger(ctx)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		e.ledger = l
	}
	return e.ledger, nil
}

func (e *env) getSender(ctx context.Context) (ledger.Sender, error) {
	if e.sender == nil {
		s, err := e.openSender(ctx)
		if err != nil {
			return nil, fmt.Errorf("create dispatch service: %w", err)
		}
		e.sender = s
	}
	return e.sender, nil
}

func (e *env) close() {
	if e.ledger != nil {
		e.ledger.Close()
		e.ledger = nil
	}
}

func newRootCmd(e *env) *cobra.Command {
	root := &cobra.Command{
		Use:          "orderctl",
		Short:        "Inspect and maintain the order relay ledger",
		SilenceUsage: true,
	}
	root.AddCommand(
		newListCmd(e),
		newShowCmd(e),
		newCheckCmd(e),
		newResendCmd(e),
		newDeleteCmd(e),
		newStatsCmd(e),
	)
	return root
}

func newListCmd(e *env) *cobra.Command {
	var (
		search string
		line   string
		since  string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dispatched orders, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := ledger.Filter{Search: search}
			if line != "" {
				l, err := parseTrackedLine(line)
				if err != nil {
					return err
				}
				filter.Line = l
			}
			if since != "" {
				t, err := parseSince(since, time.Now())
				if err != nil {
					return err
				}
				filter.Since = t
			}

			ctx := cmd.Context()
			l, err := e.getLedger(ctx)
			if err != nil {
				return err
			}
			records, total, err := l.Query(ctx, filter, ledger.Page{Limit: limit, Offset: offset})
			if err != nil {
				return fmt.Errorf("failed to list orders: %w", err)
			}
			if len(records) == 0 {
				cmd.Println("No dispatched orders found.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ORDER\tLINE\tCUSTOMER\tTOTAL\tSENT TO\tSENT AT")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.OrderID, r.Line, r.CustomerName, r.OrderTotal, r.SentTo, r.SentAt.Local().Format("2006-01-02 15:04"))
			}
			tw.Flush()
			cmd.Printf("\nShowing %d of %d\n", len(records), total)
			return nil
		},
	}
	cmd.Flags().StringVarP(&search, "search", "s", "", "Match order id or customer name")
	cmd.Flags().StringVar(&line, "line", "", "Product line (tileware or laticrete)")
	cmd.Flags().StringVar(&since, "since", "", "Only orders sent after a date (2006-01-02) or within a duration (168h)")
	cmd.Flags().IntVar(&limit, "limit", ledger.DefaultPageLimit, "Maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "Rows to skip")
	return cmd
}

func newShowCmd(e *env) *cobra.Command {
	var (
		line    string
		history bool
		content bool
	)
	cmd := &cobra.Command{
		Use:   "show [order-id]",
		Short: "Show the ledger records of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID := args[0]
			lines := models.TrackedLines
			if line != "" {
				l, err := parseTrackedLine(line)
				if err != nil {
					return err
				}
				lines = []models.ProductLine{l}
			}

			ctx := cmd.Context()
			l, err := e.getLedger(ctx)
			if err != nil {
				return err
			}

			found := 0
			for _, pl := range lines {
				rec, err := l.Get(ctx, orderID, pl)
				if errors.Is(err, ledger.ErrNotFound) {
					continue
				}
				if err != nil {
					return fmt.Errorf("failed to get order: %w", err)
				}
				found++
				printRecord(cmd, rec, content)
			}
			if found == 0 {
				cmd.Printf("Order %s has not been dispatched.\n", orderID)
			}

			if history {
				var hl models.ProductLine
				if line != "" {
					hl = lines[0]
				}
				events, err := l.History(ctx, orderID, hl)
				if err != nil {
					return err
				}
				cmd.Println("History:")
				if len(events) == 0 {
					cmd.Println("  (none)")
				}
				for _, ev := range events {
					cmd.Printf("  %s  %-10s %-18s %-20s %s\n",
						ev.CreatedAt.Local().Format("2006-01-02 15:04:05"), lineOrDash(ev.Line), ev.Action, ev.Actor, ev.Details)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&line, "line", "", "Product line (tileware or laticrete)")
	cmd.Flags().BoolVar(&history, "history", false, "Include the audit trail")
	cmd.Flags().BoolVar(&content, "content", false, "Include the stored message content")
	return cmd
}

func printRecord(cmd *cobra.Command, rec *ledger.Record, content bool) {
	cmd.Printf("Order %s (%s)\n", rec.OrderID, rec.Line.DisplayName())
	cmd.Printf("  Customer: %s\n", rec.CustomerName)
	cmd.Printf("  Total:    %s\n", rec.OrderTotal)
	cmd.Printf("  Sent to:  %s\n", rec.SentTo)
	cmd.Printf("  Sent at:  %s\n", rec.SentAt.Local().Format("2006-01-02 15:04:05"))
	cmd.Println("  Items:")
	for _, it := range rec.LineItems {
		suffix := ""
		switch {
		case it.Matched != nil:
			suffix = fmt.Sprintf("  [%s @ $%s]", it.Matched.SKU, it.Matched.Price.StringFixed(2))
		case it.Unmatched:
			suffix = "  [unmatched]"
		}
		cmd.Printf("    %d x %s%s\n", it.Quantity, it.Name, suffix)
	}
	if content {
		cmd.Printf("  Subject:  %s\n", rec.Snapshot.Subject)
		if a := rec.Snapshot.Attachment; a != nil {
			cmd.Printf("  Attachment: %s (%d bytes)\n", a.Name, len(a.Data))
		}
		cmd.Println("  Body:")
		for _, l := range strings.Split(rec.Snapshot.TextBody, "\n") {
			cmd.Printf("    %s\n", l)
		}
	}
	cmd.Println()
}

func newCheckCmd(e *env) *cobra.Command {
	var line string
	cmd := &cobra.Command{
		Use:   "check [order-id]",
		Short: "Report whether an order line has been dispatched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pl, err := parseTrackedLine(line)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			l, err := e.getLedger(ctx)
			if err != nil {
				return err
			}
			ok, err := l.IsDispatched(ctx, args[0], pl)
			if err != nil {
				return err
			}
			if ok {
				cmd.Printf("Order %s (%s): dispatched\n", args[0], pl.DisplayName())
			} else {
				cmd.Printf("Order %s (%s): not dispatched\n", args[0], pl.DisplayName())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&line, "line", "", "Product line (tileware or laticrete)")
	cmd.MarkFlagRequired("line")
	return cmd
}

func newResendCmd(e *env) *cobra.Command {
	var line string
	cmd := &cobra.Command{
		Use:   "resend [order-id]",
		Short: "Send the stored message for an order line again",
		Long:  `Resends the exact message recorded at first dispatch to the original recipient. The order is not re-extracted or re-formatted.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pl, err := parseTrackedLine(line)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			l, err := e.getLedger(ctx)
			if err != nil {
				return err
			}
			// Resolve the record first so a missing order fails before the
			// transport is set up.
			if _, err := l.Get(ctx, args[0], pl); err != nil {
				return err
			}
			sender, err := e.getSender(ctx)
			if err != nil {
				return err
			}
			rec, err := l.Resend(ctx, args[0], pl, e.actor, sender)
			if err != nil {
				return err
			}
			cmd.Printf("Resent order %s (%s) to %s\n", rec.OrderID, pl.DisplayName(), rec.SentTo)
			return nil
		},
	}
	cmd.Flags().StringVar(&line, "line", "", "Product line (tileware or laticrete)")
	cmd.MarkFlagRequired("line")
	return cmd
}

func newDeleteCmd(e *env) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete [order-id]",
		Short: "Remove an order from the ledger",
		Long:  `Removes every line recorded for the order so the pipeline will process it again. The audit trail is kept.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("refusing to delete order %s without --force", args[0])
			}
			ctx := cmd.Context()
			l, err := e.getLedger(ctx)
			if err != nil {
				return err
			}
			n, err := l.Remove(ctx, args[0], e.actor)
			if err != nil {
				return err
			}
			cmd.Printf("Deleted %d record(s) for order %s\n", n, args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Confirm the deletion")
	return cmd
}

func newStatsCmd(e *env) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise dispatch activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			l, err := e.getLedger(ctx)
			if err != nil {
				return err
			}
			st, err := l.Stats(ctx, days)
			if err != nil {
				return err
			}

			cmd.Printf("Since %s\n\n", st.Since.Format("2006-01-02"))
			cmd.Printf("  Dispatched:  %d\n", st.Total)
			for _, pl := range models.TrackedLines {
				cmd.Printf("    %-10s %d\n", pl.DisplayName(), st.ByLine[pl])
			}
			cmd.Printf("  Duplicates:  %d\n", st.Duplicates)
			cmd.Printf("  Resends:     %d\n", st.Resends)

			if len(st.Daily) > 0 {
				cmd.Println("\n  Daily:")
				for _, d := range st.Daily {
					cmd.Printf("    %s  %-10s %d\n", d.Day, d.Line.DisplayName(), d.Count)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "Window in days")
	return cmd
}

func parseTrackedLine(s string) (models.ProductLine, error) {
	if s == "" {
		return "", errors.New("--line is required (tileware or laticrete)")
	}
	l, err := models.ParseProductLine(s)
	if err != nil {
		return "", err
	}
	if !l.Tracked() {
		return "", fmt.Errorf("--line must be tileware or laticrete, got %q", s)
	}
	return l, nil
}

// parseSince accepts a date or a duration back from now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since: want a date (2006-01-02) or a duration (168h), got %q", s)
	}
	return now.Add(-d), nil
}

func lineOrDash(l models.ProductLine) string {
	if l == "" {
		return "-"
	}
	return string(l)
}
