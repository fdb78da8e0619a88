package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/trellis/pnl-engine/api"
	"github.com/trellis/pnl-engine/batch"
	"github.com/trellis/pnl-engine/core"
	"github.com/trellis/pnl-engine/pipeline"
	"github.com/trellis/pnl-engine/policy"
	"github.com/trellis/pnl-engine/warehouse"
)

// rootOptions holds global flags shared by every subcommand.
type rootOptions struct {
	DBPath     string
	PolicyPath string
	Verbose    bool

	log *logrus.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "pnl",
		Short:         "Supply-chain cost allocation and P&L warehouse",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.log = logrus.New()
			opts.log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			if opts.Verbose {
				opts.log.SetLevel(logrus.DebugLevel)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "pnl.db", "path to the SQLite warehouse")
	cmd.PersistentFlags().StringVar(&opts.PolicyPath, "policy", "", "path to a policy YAML file (built-in default when empty)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newInitCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newUnlockCommand(opts))
	cmd.AddCommand(newRollbackCommand(opts))
	cmd.AddCommand(newCloseCommand(opts))
	cmd.AddCommand(newReopenCommand(opts))
	cmd.AddCommand(newAdjustCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	cmd.AddCommand(newServeCommand(opts))

	return cmd
}

// =============================================================================
// SHARED SETUP
// =============================================================================

func (o *rootOptions) loadPolicy() (*policy.Set, error) {
	if o.PolicyPath == "" {
		return policy.Default(), nil
	}
	return policy.Load(o.PolicyPath)
}

// openPipeline opens the warehouse and builds the pipeline. With
// requireInit, an unmigrated store is an error pointing at `pnl init`.
func (o *rootOptions) openPipeline(ctx context.Context, requireInit bool) (*pipeline.Pipeline, *warehouse.Warehouse, error) {
	set, err := o.loadPolicy()
	if err != nil {
		return nil, nil, err
	}
	wh, err := warehouse.Open(o.DBPath, o.log)
	if err != nil {
		return nil, nil, err
	}
	if requireInit {
		ok, err := wh.Initialized(ctx)
		if err != nil {
			wh.Close()
			return nil, nil, err
		}
		if !ok {
			wh.Close()
			return nil, nil, fmt.Errorf("warehouse %s is not initialized; run `pnl init` first", o.DBPath)
		}
	}
	return pipeline.New(wh, set, o.log), wh, nil
}

// =============================================================================
// COMMANDS
// =============================================================================

func newInitCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the warehouse schema and seed the charge policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			set, err := opts.loadPolicy()
			if err != nil {
				return err
			}
			wh, err := warehouse.Open(opts.DBPath, opts.log)
			if err != nil {
				return err
			}
			defer wh.Close()

			if err := wh.Migrate(ctx); err != nil {
				return err
			}
			if err := warehouse.SeedChargePolicy(ctx, wh.DB(), set); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Warehouse initialized at %s\n", opts.DBPath)
			return nil
		},
	}
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one full batch under the singleton lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pipe, wh, err := opts.openPipeline(ctx, true)
			if err != nil {
				return err
			}
			defer wh.Close()

			if err := pipe.Run(ctx, dryRun); err != nil {
				var held *core.LockHeldError
				if errors.As(err, &held) {
					return fmt.Errorf("%w; use `pnl unlock` if the holder crashed", err)
				}
				return err
			}
			if dryRun {
				fmt.Fprintln(cmd.OutOrStdout(), "Dry run complete; nothing persisted.")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Batch complete.")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "run inside a transaction and roll everything back")
	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the operational snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			// Status must work against an uninitialized store.
			pipe, wh, err := opts.openPipeline(ctx, false)
			if err != nil {
				return err
			}
			defer wh.Close()

			st, err := pipe.Status(ctx)
			if err != nil {
				return err
			}
			st.Render(cmd.OutOrStdout())
			return nil
		},
	}
}

func newUnlockCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Force-clear a stuck batch lock",
		Long: `Force-clear the batch lock after a crashed run.

The crashed batch stays 'running' in the batch log as evidence; only the
lock row is reset. Never run this while a live batch is in flight.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			// Like status, unlock must work against an uninitialized store.
			_, wh, err := opts.openPipeline(ctx, false)
			if err != nil {
				return err
			}
			defer wh.Close()

			ok, err := wh.Initialized(ctx)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "Warehouse not initialized; no lock to clear.")
				return nil
			}

			if err := batch.ForceUnlock(ctx, wh.DB()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Lock cleared.")
			return nil
		},
	}
}

func newRollbackCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <n>",
		Short: "Undo the last N batches and rebuild all marts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return fmt.Errorf("rollback count must be a positive integer, got %q", args[0])
			}

			ctx := cmd.Context()
			pipe, wh, err := opts.openPipeline(ctx, true)
			if err != nil {
				return err
			}
			defer wh.Close()

			if err := pipe.Rollback(ctx, n); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Rollback complete; marts rebuilt.")
			return nil
		},
	}
}

func newCloseCommand(opts *rootOptions) *cobra.Command {
	var closedBy string
	var force bool

	cmd := &cobra.Command{
		Use:   "close <period>",
		Short: "Freeze a period against further fact mutation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			period := core.Period(args[0])
			ctx := cmd.Context()
			pipe, wh, err := opts.openPipeline(ctx, true)
			if err != nil {
				return err
			}
			defer wh.Close()

			if err := pipe.ClosePeriod(ctx, period, closedBy, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Period %s closed.\n", period)
			return nil
		},
	}
	cmd.Flags().StringVar(&closedBy, "by", "", "who is closing the period")
	cmd.Flags().BoolVar(&force, "force", false, "close even with unmet coverage requirements")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func newReopenCommand(opts *rootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reopen <period>",
		Short: "Unfreeze a closed period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			period := core.Period(args[0])
			ctx := cmd.Context()
			_, wh, err := opts.openPipeline(ctx, true)
			if err != nil {
				return err
			}
			defer wh.Close()

			if err := batch.Reopen(ctx, wh.DB(), period, reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Period %s reopened.\n", period)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the period is being reopened")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newAdjustCommand(opts *rootOptions) *cobra.Command {
	adj := batch.Adjustment{}

	cmd := &cobra.Command{
		Use:   "adjust <period>",
		Short: "Record a post-close manual adjustment",
		Long: `Record one manual adjustment in the append-only audit trail.

Adjustments never mutate facts directly; they document what an operator
changed out of band, for the auditor reading ops_adjustment_log.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			adj.Period = core.Period(args[0])
			ctx := cmd.Context()
			_, wh, err := opts.openPipeline(ctx, true)
			if err != nil {
				return err
			}
			defer wh.Close()

			id, err := batch.PostCloseAdjustment(ctx, wh.DB(), adj)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Adjustment #%d recorded for %s.\n", id, adj.Period)
			return nil
		},
	}
	cmd.Flags().StringVar(&adj.TableName, "table", "", "table the adjustment concerns")
	cmd.Flags().StringVar(&adj.BusinessKey, "key", "", "business key of the adjusted row")
	cmd.Flags().StringVar(&adj.FieldName, "field", "", "adjusted field")
	cmd.Flags().StringVar(&adj.OldValue, "old", "", "value before")
	cmd.Flags().StringVar(&adj.NewValue, "new", "", "value after")
	cmd.Flags().StringVar(&adj.Reason, "reason", "", "why the adjustment was made")
	cmd.Flags().StringVar(&adj.AdjustedBy, "by", "", "who made the adjustment")
	_ = cmd.MarkFlagRequired("table")
	_ = cmd.MarkFlagRequired("reason")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the reporting workbook to an xlsx file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pipe, wh, err := opts.openPipeline(ctx, true)
			if err != nil {
				return err
			}
			defer wh.Close()

			if err := pipe.ExportWorkbook(ctx, out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Workbook written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "pnl.xlsx", "output path")
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only reporting API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pipe, wh, err := opts.openPipeline(ctx, true)
			if err != nil {
				return err
			}
			defer wh.Close()

			router := api.NewRouter(api.NewHandler(wh, pipe, opts.log))
			server := &http.Server{
				Addr:         fmt.Sprintf(":%d", port),
				Handler:      router,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				opts.log.WithField("port", port).Info("reporting API listening")
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case <-quit:
			case <-ctx.Done():
			}

			opts.log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP port")
	return cmd
}
