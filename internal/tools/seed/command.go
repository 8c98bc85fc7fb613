package seed

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bda-association/bda-portal/internal/database"
	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/tools/common"
)

type options struct {
	envFile             string
	bootstrapAdminEmail string
	timeout             time.Duration
	ci                  bool
}

func NewRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{Use: "seed", Short: "Roles, permissions, role mappings and catalog seeding"}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "path to env file")
	cmd.PersistentFlags().StringVar(&opts.bootstrapAdminEmail, "bootstrap-admin-email", "", "override bootstrap admin email")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", time.Minute, "operation timeout")
	cmd.PersistentFlags().BoolVar(&opts.ci, "ci", false, "non-interactive machine-readable output")
	cmd.AddCommand(newApplyCommand(opts), newVerifyCommand(opts), newDryRunCommand(opts))
	return cmd
}

func newApplyCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Apply default seed data",
		RunE: func(cmd *cobra.Command, args []string) error {
			details, err := common.Run(opts.ci, "seed apply", opts.timeout, func(ctx context.Context) ([]string, error) {
				cfg, db, err := common.OpenDatabase(opts.envFile)
				if err != nil {
					return nil, err
				}
				defer common.CloseDB(db)
				email := cfg.BootstrapAdminEmail
				if opts.bootstrapAdminEmail != "" {
					email = opts.bootstrapAdminEmail
				}
				report, err := database.SeedSync(db.WithContext(ctx), email)
				if err != nil {
					return nil, err
				}
				return reportDetails(report, email), nil
			})
			common.Finish(opts.ci, "seed apply", details, err, common.ExitFailure)
			return nil
		},
	}
}

func newVerifyCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that seeded data matches the RBAC matrix and catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			details, err := common.Run(opts.ci, "seed verify", opts.timeout, func(ctx context.Context) ([]string, error) {
				_, db, err := common.OpenDatabase(opts.envFile)
				if err != nil {
					return nil, err
				}
				defer common.CloseDB(db)
				problems, err := database.VerifySeed(db.WithContext(ctx))
				if err != nil {
					return nil, err
				}
				if len(problems) > 0 {
					return problems, fmt.Errorf("%d seed problems found, run seed apply", len(problems))
				}
				return []string{"roles, permissions, role mappings and catalog are in place"}, nil
			})
			common.Finish(opts.ci, "seed verify", details, err, common.ExitPartial)
			return nil
		},
	}
}

func newDryRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "dry-run",
		Short: "Show the RBAC matrix that seeding would apply",
		RunE: func(cmd *cobra.Command, args []string) error {
			details, err := common.Run(opts.ci, "seed dry-run", opts.timeout, func(ctx context.Context) ([]string, error) {
				return matrixDetails(opts.bootstrapAdminEmail), nil
			})
			common.Finish(opts.ci, "seed dry-run", details, err, common.ExitFailure)
			return nil
		},
	}
}

func reportDetails(r *database.SeedReport, email string) []string {
	if r.Noop {
		return []string{"seed already applied, nothing changed"}
	}
	details := []string{
		fmt.Sprintf("created_permissions=%d", r.CreatedPermissions),
		fmt.Sprintf("created_roles=%d", r.CreatedRoles),
		fmt.Sprintf("bound_permissions=%d", r.BoundPermissions),
		fmt.Sprintf("created_certifications=%d", r.CreatedCertifications),
		fmt.Sprintf("created_role_mappings=%d", r.CreatedRoleMappings),
	}
	if r.PromotedAdmin {
		details = append(details, "promoted bootstrap admin: "+domain.NormalizeEmail(email))
	}
	return details
}

func matrixDetails(email string) []string {
	details := make([]string, 0, len(domain.InternalRoles)+1)
	for _, role := range domain.InternalRoles {
		perms := slices.Clone(database.RolePermissions[role])
		slices.Sort(perms)
		details = append(details, fmt.Sprintf("%s: %s", role, strings.Join(perms, ", ")))
	}
	if email != "" {
		details = append(details, "would promote to admin if registered: "+domain.NormalizeEmail(email))
	}
	return details
}
