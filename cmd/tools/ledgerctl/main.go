// Command ledgerctl is the operator tool for the webhook ledger: inspect stale
// events, replay them, apply migrations and mint admin tokens.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/noah-isme/optik-reconciler/internal/admin"
	"github.com/noah-isme/optik-reconciler/internal/app"
	"github.com/noah-isme/optik-reconciler/internal/config"
	"github.com/noah-isme/optik-reconciler/internal/db"
	"github.com/noah-isme/optik-reconciler/internal/obs"
	"github.com/noah-isme/optik-reconciler/internal/replay"
	"github.com/noah-isme/optik-reconciler/internal/webhook"
)

// Runner replays a record in-process.
type Runner interface {
	Run(ctx context.Context, p replay.Payload) (webhook.Result, error)
}

// Backend is what the ledger commands operate on.
type Backend struct {
	Ledger  admin.Ledger
	Replays admin.Enqueuer
	Runner  Runner
}

type cli struct {
	loadConfig func() (*config.Config, error)
	connect    func(ctx context.Context, cfg *config.Config) (Backend, func(), error)
	migrate    func(databaseURL string) error
	out        io.Writer
}

func main() {
	c := &cli{
		loadConfig: config.Load,
		connect:    connect,
		migrate:    db.Up,
		out:        os.Stdout,
	}
	if err := newRootCmd(c).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Inspect and repair the webhook idempotency ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(c.out)
	root.AddCommand(staleCmd(c))
	root.AddCommand(showCmd(c))
	root.AddCommand(replayCmd(c))
	root.AddCommand(migrateCmd(c))
	root.AddCommand(tokenCmd(c))
	return root
}

func connect(ctx context.Context, cfg *config.Config) (Backend, func(), error) {
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "ledgerctl").Logger()
	cfg.MigrateOnStart = false
	infra, err := app.Open(ctx, cfg, logger, "ledgerctl")
	if err != nil {
		return Backend{}, nil, err
	}
	svc := app.NewServices(infra)
	b := Backend{
		Ledger:  svc.Ledger,
		Replays: svc.Replays,
		Runner:  svc.Worker,
	}
	return b, func() { infra.Close(context.Background()) }, nil
}

func (c *cli) backend(ctx context.Context) (*config.Config, Backend, func(), error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, Backend{}, nil, err
	}
	b, closeFn, err := c.connect(ctx, cfg)
	if err != nil {
		return nil, Backend{}, nil, err
	}
	return cfg, b, closeFn, nil
}
