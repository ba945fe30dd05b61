package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"surplus-service/config"
	"surplus-service/internal/app"
	"surplus-service/internal/models"
	"surplus-service/internal/util"
	"surplus-service/internal/worker"

	"github.com/spf13/cobra"
)

// cli runs maintenance jobs once against the configured backends, for use
// from cron hosts or by operators
type cli struct {
	load func() (*config.Config, error)
	out  io.Writer
}

func defaultCLI() *cli {
	return &cli{load: config.Load, out: os.Stdout}
}

func newRootCommand(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "surplusctl",
		Short:         "Surplus menu maintenance",
		Long:          "Run the surplus service's periodic jobs on demand",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(c.out)

	var date string
	expand := &cobra.Command{
		Use:   "expand",
		Short: "Expand every active recurring series",
		Long:  "Generate the missing menus of every active series from the given date on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return c.expand(ctx, a, date)
			})
		},
	}
	expand.Flags().StringVar(&date, "date", "", "run date as YYYY-MM-DD (default today)")
	root.AddCommand(expand)

	var batch int
	sweep := &cobra.Command{
		Use:   "sweep-expired",
		Short: "Expire unpaid reservations past their deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if batch <= 0 {
					batch = a.Config.Business.SweepBatchSize
				}
				n := worker.NewSweepWorker(a.Services.Coordinator, time.Minute, batch).RunOnce(ctx)
				fmt.Fprintf(c.out, "expired %d reservations\n", n)
				return nil
			})
		},
	}
	sweep.Flags().IntVar(&batch, "batch", 0, "reservations per batch (default from config)")
	root.AddCommand(sweep)

	root.AddCommand(&cobra.Command{
		Use:   "rollover-credits",
		Short: "Move every subscription into the current period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Services.Ledger.RolloverAll(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "rolled over %d subscriptions\n", n)
				return nil
			})
		},
	})

	return root
}

func (c *cli) withApp(ctx context.Context, run func(context.Context, *app.App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer util.SyncLogger()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return run(ctx, a)
}

func (c *cli) expand(ctx context.Context, a *app.App, date string) error {
	loc := a.Config.Business.Location()
	runDate := time.Now().In(loc)
	if date != "" {
		d, err := time.ParseInLocation(models.DateLayout, date, loc)
		if err != nil {
			return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
		}
		runDate = d
	}

	results, err := a.Services.Scheduler.ExpandAll(ctx, runDate)
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Fprintf(c.out, "series %s: created %d, skipped %d, failed %d\n",
			r.SeriesID, len(r.Created), len(r.Skipped), len(r.Failed))
	}
	fmt.Fprintf(c.out, "expanded %d series\n", len(results))
	return nil
}
