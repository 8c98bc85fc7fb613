package provision

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"

	"github.com/bda-association/bda-portal/internal/di"
	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/service"
	"github.com/bda-association/bda-portal/internal/tools/common"
)

type options struct {
	envFile   string
	file      string
	role      string
	partnerID uint
	timeout   time.Duration
	ci        bool
}

func NewRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision invited users from a CSV or XLSX file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(opts.file) == "" {
				return fmt.Errorf("--file is required")
			}
			details, err := common.Run(opts.ci, "provision "+filepath.Base(opts.file), opts.timeout, func(ctx context.Context) ([]string, error) {
				return provisionFile(ctx, opts)
			})
			common.Finish(opts.ci, "provision", details, err, common.ExitPartial)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "path to env file")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "operation timeout")
	cmd.PersistentFlags().BoolVar(&opts.ci, "ci", false, "non-interactive machine-readable output")
	cmd.Flags().StringVar(&opts.file, "file", "", "users.csv or users.xlsx")
	cmd.Flags().StringVar(&opts.role, "role", domain.RoleIndividual, "role for rows without a role column")
	cmd.Flags().UintVar(&opts.partnerID, "partner-id", 0, "partner to attach provisioned users to")
	cmd.AddCommand(newTemplateCommand())
	return cmd
}

func provisionFile(ctx context.Context, opts *options) ([]string, error) {
	data, err := os.ReadFile(opts.file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", opts.file, err)
	}
	if _, err := common.LoadConfig(opts.envFile); err != nil {
		return nil, err
	}
	kit, err := di.InitializeToolkit()
	if err != nil {
		return nil, err
	}
	defer kit.Close(context.Background())

	in := service.BulkUploadInput{
		Filename:    filepath.Base(opts.file),
		Data:        data,
		DefaultRole: opts.role,
	}
	if opts.partnerID > 0 {
		id := opts.partnerID
		in.PartnerID = &id
	}
	res, err := kit.Bulk.Upload(ctx, service.SystemActor, in)
	if res == nil {
		return nil, err
	}
	return resultDetails(res), err
}

func resultDetails(res *service.BulkJobResult) []string {
	details := []string{
		"job=" + res.Job.ID,
		"status=" + res.Job.Status,
		fmt.Sprintf("total=%d created=%d failed=%d", res.Job.TotalRows, res.Job.CreatedRows, res.Job.FailedRows),
	}
	for _, e := range res.Errors {
		line := fmt.Sprintf("row %d: %s", e.Row, e.Error)
		if e.Email != "" {
			line = fmt.Sprintf("row %d (%s): %s", e.Row, e.Email, e.Error)
		}
		details = append(details, line)
	}
	return details
}

func newTemplateCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Write an empty upload template",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := WriteTemplate(out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "template written to "+out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "users.csv", "output path, .csv or .xlsx")
	return cmd
}

// WriteTemplate writes the upload header row as CSV or as a one-sheet
// workbook depending on the extension of path.
func WriteTemplate(path string) error {
	header := service.BulkTemplateHeader()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		f := excelize.NewFile()
		defer f.Close()
		const sheet = "Users"
		if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
			return err
		}
		return f.SaveAs(path)
	case ".csv":
		file, err := os.Create(path)
		if err != nil {
			return err
		}
		w := csv.NewWriter(file)
		if err := w.Write(header); err != nil {
			_ = file.Close()
			return err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			_ = file.Close()
			return err
		}
		return file.Close()
	default:
		return fmt.Errorf("unsupported template type %q", filepath.Ext(path))
	}
}
