package loadgen

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bda-association/bda-portal/internal/tools/common"
)

type options struct {
	baseURL     string
	profile     string
	duration    time.Duration
	rps         int
	concurrency int
	seed        int64
	credentials []string
	maxP95      time.Duration
	ci          bool
}

func NewRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{Use: "loadgen", Short: "Generate portal traffic for rate limit and cache validation"}
	cmd.PersistentFlags().StringVar(&opts.baseURL, "base-url", "http://localhost:8080", "API base URL")
	cmd.PersistentFlags().StringVar(&opts.profile, "profile", "mixed", "traffic profile: mixed|public|verify|auth")
	cmd.PersistentFlags().DurationVar(&opts.duration, "duration", 15*time.Second, "traffic duration")
	cmd.PersistentFlags().IntVar(&opts.rps, "rps", 20, "requests per second")
	cmd.PersistentFlags().IntVar(&opts.concurrency, "concurrency", 6, "concurrent workers")
	cmd.PersistentFlags().Int64Var(&opts.seed, "seed", 42, "random seed")
	cmd.PersistentFlags().StringSliceVar(&opts.credentials, "credential", nil, "issued credential IDs to mix into verify traffic")
	cmd.PersistentFlags().DurationVar(&opts.maxP95, "max-p95", 0, "fail when p95 latency exceeds this (0 disables)")
	cmd.PersistentFlags().BoolVar(&opts.ci, "ci", false, "non-interactive machine-readable output")
	cmd.AddCommand(newRunCommand(opts))
	return cmd
}

func newRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run load generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			details, err := common.Run(opts.ci, "loadgen run", opts.duration+15*time.Second, func(ctx context.Context) ([]string, error) {
				res, err := Run(ctx, Config{
					BaseURL:     opts.baseURL,
					Profile:     opts.profile,
					Duration:    opts.duration,
					RPS:         opts.rps,
					Concurrency: opts.concurrency,
					Seed:        opts.seed,
					Credentials: opts.credentials,
				})
				if err != nil {
					return nil, err
				}
				details := []string{
					fmt.Sprintf("total_requests=%d", res.TotalRequests),
					fmt.Sprintf("failures=%d", res.Failures),
					fmt.Sprintf("status_2xx=%d", res.Status2xx),
					fmt.Sprintf("status_4xx=%d", res.Status4xx),
					fmt.Sprintf("status_429=%d", res.Status429),
					fmt.Sprintf("status_5xx=%d", res.Status5xx),
					fmt.Sprintf("latency_p50=%s p95=%s", res.P50.Round(time.Millisecond), res.P95.Round(time.Millisecond)),
				}
				return details, checkResult(res, opts.maxP95)
			})
			common.Finish(opts.ci, "loadgen run", details, err, common.ExitPartial)
			return nil
		},
	}
}

func checkResult(res Result, maxP95 time.Duration) error {
	if res.Status5xx > 0 {
		return fmt.Errorf("%d server errors", res.Status5xx)
	}
	if maxP95 > 0 && res.P95 > maxP95 {
		return fmt.Errorf("p95 latency %s above %s", res.P95.Round(time.Millisecond), maxP95)
	}
	return nil
}
