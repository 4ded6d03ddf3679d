package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/optik-reconciler/internal/auth"
	"github.com/noah-isme/optik-reconciler/internal/replay"
)

func staleCmd(c *cli) *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List claimed events still unprocessed after the grace period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, b, closeFn, err := c.backend(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			if olderThan <= 0 {
				olderThan = cfg.LedgerStaleAfter
			}
			records, err := b.Ledger.ListStale(cmd.Context(), olderThan, limit)
			if err != nil {
				return fmt.Errorf("list stale: %w", err)
			}
			if asJSON {
				return writeJSON(cmd, records)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "GATEWAY\tEVENT ID\tTYPE\tRECEIVED\tATTEMPTS\tLAST ERROR")
			for _, rec := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					rec.Gateway, rec.GatewayEventID, rec.Type,
					rec.ReceivedAt.UTC().Format(time.RFC3339), rec.Attempts, rec.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum age (defaults to LEDGER_STALE_AFTER)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum records")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func showCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <gateway> <event-id>",
		Short: "Print one ledger record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, b, closeFn, err := c.backend(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			rec, err := b.Ledger.Get(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("get %s/%s: %w", args[0], args[1], err)
			}
			return writeJSON(cmd, rec)
		},
	}
}

func replayCmd(c *cli) *cobra.Command {
	var (
		now         bool
		requestedBy string
	)
	cmd := &cobra.Command{
		Use:   "replay <gateway> <event-id>",
		Short: "Replay an unprocessed ledger record",
		Long: `Replay re-runs resolution, transition and fulfillment for a claimed event
that never completed. By default the replay is queued for the worker; --now
runs it in this process under the same distributed lock.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, b, closeFn, err := c.backend(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			rec, err := b.Ledger.Get(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("get %s/%s: %w", args[0], args[1], err)
			}
			if rec.Processed() {
				return fmt.Errorf("%s/%s already processed at %s", rec.Gateway, rec.GatewayEventID, rec.ProcessedAt.UTC().Format(time.RFC3339))
			}
			p := replay.Payload{Gateway: rec.Gateway, EventID: rec.GatewayEventID, RequestedBy: requestedBy}

			if now {
				res, err := b.Runner.Run(cmd.Context(), p)
				if err != nil {
					return err
				}
				out := map[string]string{"outcome": string(res.Outcome), "paymentId": res.PaymentID}
				if res.Err != nil {
					out["error"] = res.Err.Error()
				}
				return writeJSON(cmd, out)
			}

			taskID, err := b.Replays.Enqueue(cmd.Context(), p)
			if errors.Is(err, replay.ErrAlreadyQueued) {
				fmt.Fprintln(cmd.OutOrStdout(), "replay already queued")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", taskID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&now, "now", false, "run the replay in-process instead of queueing it")
	cmd.Flags().StringVar(&requestedBy, "requested-by", os.Getenv("USER"), "operator recorded on the replay")
	return cmd
}

func migrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if err := c.migrate(cfg.DatabaseURL); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func tokenCmd(c *cli) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator bearer token for the admin api",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			token, err := auth.Tokens{
				Secret:   []byte(cfg.AdminJWTSecret),
				Issuer:   cfg.AdminJWTIssuer,
				Audience: cfg.AdminJWTAudience,
			}.Issue(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", os.Getenv("USER"), "operator identity")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
