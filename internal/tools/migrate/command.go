package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bda-association/bda-portal/internal/database"
	"github.com/bda-association/bda-portal/internal/tools/common"
)

type options struct {
	envFile string
	timeout time.Duration
	ci      bool
}

func NewRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tooling",
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "path to env file")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "operation timeout")
	cmd.PersistentFlags().BoolVar(&opts.ci, "ci", false, "non-interactive machine-readable output")

	cmd.AddCommand(
		newUpCommand(opts),
		newStatusCommand(opts),
	)
	return cmd
}

func newUpCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			details, err := common.Run(opts.ci, "migrate up", opts.timeout, func(ctx context.Context) ([]string, error) {
				_, db, err := common.OpenDatabase(opts.envFile)
				if err != nil {
					return nil, err
				}
				defer common.CloseDB(db)

				before, err := database.Status(db.WithContext(ctx))
				if err != nil {
					return nil, err
				}
				if err := database.Migrate(db.WithContext(ctx)); err != nil {
					return nil, err
				}
				created := 0
				for _, t := range before {
					if !t.Exists {
						created++
					}
				}
				return []string{
					fmt.Sprintf("tables=%d", len(before)),
					fmt.Sprintf("created=%d", created),
					"schema migration applied",
				}, nil
			})
			common.Finish(opts.ci, "migrate up", details, err, common.ExitFailure)
			return nil
		},
	}
}

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report which tables exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			details, err := common.Run(opts.ci, "migrate status", opts.timeout, func(ctx context.Context) ([]string, error) {
				_, db, err := common.OpenDatabase(opts.envFile)
				if err != nil {
					return nil, err
				}
				defer common.CloseDB(db)
				sqlDB, err := db.DB()
				if err != nil {
					return nil, err
				}
				if err := sqlDB.PingContext(ctx); err != nil {
					return nil, fmt.Errorf("db ping: %w", err)
				}
				tables, err := database.Status(db.WithContext(ctx))
				if err != nil {
					return nil, err
				}
				details := make([]string, 0, len(tables))
				pending := 0
				for _, t := range tables {
					state := "present"
					if !t.Exists {
						state = "pending"
						pending++
					}
					details = append(details, t.Table+": "+state)
				}
				if pending > 0 {
					return details, fmt.Errorf("%d tables pending migration", pending)
				}
				return details, nil
			})
			common.Finish(opts.ci, "migrate status", details, err, common.ExitPartial)
			return nil
		},
	}
}
