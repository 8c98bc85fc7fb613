package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bda-association/bda-portal/internal/di"
	"github.com/bda-association/bda-portal/internal/tools/common"
)

type options struct {
	envFile string
	only    []string
	timeout time.Duration
	ci      bool
}

func NewRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{Use: "worker", Short: "Background jobs: email queue, reminders, commerce sync and events"}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "path to env file")
	cmd.PersistentFlags().BoolVar(&opts.ci, "ci", false, "non-interactive machine-readable output")
	cmd.AddCommand(newRunCommand(opts), newOnceCommand(opts), newListCommand(opts))
	return cmd
}

func newRunCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run jobs until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			kit, err := initialize(opts.envFile)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), kit.Config.ShutdownTimeout)
				defer cancel()
				kit.Close(ctx)
			}()
			if err := kit.Workers.Only(splitJobs(opts.only)...); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			kit.Logger.Info("worker starting", "jobs", kit.Workers.Names())
			err = kit.Workers.Run(ctx)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			kit.Logger.Info("worker stopped")
			return err
		},
	}
	cmd.Flags().StringSliceVar(&opts.only, "only", nil, "comma separated jobs to run (default all enabled)")
	return cmd
}

func newOnceCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "once <job>",
		Short: "Run a single tick of one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := strings.TrimSpace(args[0])
			details, err := common.Run(opts.ci, "worker once "+job, opts.timeout, func(ctx context.Context) ([]string, error) {
				kit, err := initialize(opts.envFile)
				if err != nil {
					return nil, err
				}
				defer kit.Close(context.Background())
				start := time.Now()
				if err := kit.Workers.RunOnce(ctx, job); err != nil {
					return nil, err
				}
				return []string{fmt.Sprintf("%s tick completed in %s", job, time.Since(start).Round(time.Millisecond))}, nil
			})
			common.Finish(opts.ci, "worker once", details, err, common.ExitFailure)
			return nil
		},
	}
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "tick timeout")
	return cmd
}

func newListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the jobs enabled by the current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			kit, err := initialize(opts.envFile)
			if err != nil {
				return err
			}
			defer kit.Close(context.Background())
			names := kit.Workers.Names()
			if opts.ci {
				common.PrintCIResult(true, "worker list", names, nil)
				return nil
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}

func initialize(envFile string) (*di.Toolkit, error) {
	if _, err := common.LoadConfig(envFile); err != nil {
		return nil, err
	}
	return di.InitializeToolkit()
}

func splitJobs(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
