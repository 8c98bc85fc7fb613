package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/repository"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

const (
	bulkMaxRows     = 5000
	bulkMaxFileSize = 10 << 20
)

var bulkColumns = []string{"email", "first_name", "last_name", "role", "organization", "phone", "country"}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

type BulkUploadInput struct {
	Filename    string
	Data        []byte
	DefaultRole string
	PartnerID   *uint
}

type BulkJobResult struct {
	Job    *domain.BulkUploadJob `json:"job"`
	Errors []domain.BulkRowError `json:"errors"`
}

type bulkRow struct {
	Email        string `json:"email" validate:"required,email,max=255"`
	FirstName    string `json:"first_name" validate:"required,max=120"`
	LastName     string `json:"last_name" validate:"required,max=120"`
	Role         string `json:"role"`
	Organization string `json:"organization" validate:"max=255"`
	Phone        string `json:"phone" validate:"max=40"`
	Country      string `json:"country" validate:"max=80"`
}

// BulkService provisions invited users from CSV or XLSX uploads.
type BulkService struct {
	jobs    repository.BulkUploadJobRepository
	invites *InviteService
	roleMap *RoleMappingService
	storage ObjectStorage
	audit   *AuditService
	logger  *slog.Logger
}

func NewBulkService(
	jobs repository.BulkUploadJobRepository,
	invites *InviteService,
	roleMap *RoleMappingService,
	storage ObjectStorage,
	audit *AuditService,
	logger *slog.Logger,
) *BulkService {
	if storage == nil {
		storage = DisabledStorage{}
	}
	return &BulkService{
		jobs:    jobs,
		invites: invites,
		roleMap: roleMap,
		storage: storage,
		audit:   audit,
		logger:  observability.Component(logger, "bulk"),
	}
}

// sanitizeFilename keeps the base name with anything outside [A-Za-z0-9._-]
// collapsed to "_". The job record and the object key share it.
func sanitizeFilename(filename string) string {
	return unsafeFilenameChars.ReplaceAllString(filepath.Base(strings.ReplaceAll(filename, `\`, "/")), "_")
}

func bulkObjectKey(jobID, filename string) string {
	return "bulk-uploads/" + jobID + "/" + filename
}

// Upload stores the file, creates one invited user per valid row and
// records per-row failures on the job. Row errors never fail the job.
func (s *BulkService) Upload(ctx context.Context, actor Actor, in BulkUploadInput) (*BulkJobResult, error) {
	ext := strings.ToLower(filepath.Ext(in.Filename))
	if ext != ".csv" && ext != ".xlsx" {
		return nil, ErrUnsupportedFile
	}
	if len(in.Data) == 0 {
		return nil, fieldError("file", "is empty")
	}
	if len(in.Data) > bulkMaxFileSize {
		return nil, fieldError("file", "is larger than 10 MiB")
	}
	defaultRole := domain.RoleIndividual
	if strings.TrimSpace(in.DefaultRole) != "" {
		defaultRole = strings.ToLower(strings.TrimSpace(in.DefaultRole))
		if !domain.IsInternalRole(defaultRole) {
			return nil, ErrUnknownRole
		}
	}

	job := &domain.BulkUploadJob{
		ID:          uuid.NewString(),
		UploadedBy:  actor.UserID,
		Filename:    sanitizeFilename(in.Filename),
		DefaultRole: defaultRole,
		Status:      domain.BulkJobStatusProcessing,
	}
	key := bulkObjectKey(job.ID, job.Filename)
	switch err := s.storage.PutObject(ctx, key, in.Data, bulkContentType(ext)); {
	case err == nil:
		job.ObjectKey = key
	case errors.Is(err, ErrStorageDisabled):
		s.logger.InfoContext(ctx, "object storage disabled, bulk file not archived", "job_id", job.ID)
	default:
		return nil, fmt.Errorf("store bulk upload: %w", err)
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	records, err := readBulkRecords(ext, in.Data)
	if err == nil && len(records)-1 > bulkMaxRows {
		err = fmt.Errorf("file has more than %d rows", bulkMaxRows)
	}
	if err != nil {
		rowErrors := []domain.BulkRowError{{Row: 0, Error: err.Error()}}
		job.Status = domain.BulkJobStatusFailed
		s.finish(ctx, actor, job, rowErrors)
		return &BulkJobResult{Job: job, Errors: rowErrors}, fieldError("file", err.Error())
	}

	rowErrors := s.provisionRows(ctx, actor, job, records, in.PartnerID)
	job.Status = domain.BulkJobStatusCompleted
	s.finish(ctx, actor, job, rowErrors)
	return &BulkJobResult{Job: job, Errors: rowErrors}, nil
}

func (s *BulkService) provisionRows(ctx context.Context, actor Actor, job *domain.BulkUploadJob, records [][]string, partnerID *uint) []domain.BulkRowError {
	rowErrors := []domain.BulkRowError{}
	columns := headerIndex(records[0])
	seen := make(map[string]int)
	for i, record := range records[1:] {
		line := i + 2
		row := bulkRowFrom(record, columns)
		if row == (bulkRow{}) {
			continue
		}
		job.TotalRows++
		fail := func(msg string) {
			job.FailedRows++
			rowErrors = append(rowErrors, domain.BulkRowError{Row: line, Email: row.Email, Error: msg})
		}
		if err := validateStruct(row); err != nil {
			fail(err.Error())
			continue
		}
		if first, dup := seen[row.Email]; dup {
			fail(fmt.Sprintf("duplicate of row %d", first))
			continue
		}
		seen[row.Email] = line

		role := job.DefaultRole
		if row.Role != "" {
			resolved, err := s.roleMap.Resolve(ctx, row.Role)
			if err != nil {
				fail(err.Error())
				continue
			}
			role = resolved
		}
		_, err := s.invites.CreateUser(ctx, actor, CreateUserInput{
			Email:        row.Email,
			FirstName:    row.FirstName,
			LastName:     row.LastName,
			Role:         role,
			PartnerID:    partnerID,
			Organization: row.Organization,
			Phone:        row.Phone,
			Country:      row.Country,
		})
		if err != nil {
			fail(err.Error())
			continue
		}
		job.CreatedRows++
	}
	return rowErrors
}

func (s *BulkService) finish(ctx context.Context, actor Actor, job *domain.BulkUploadJob, rowErrors []domain.BulkRowError) {
	raw, err := json.Marshal(rowErrors)
	if err == nil {
		job.Errors = string(raw)
	}
	if err := s.jobs.Save(ctx, job); err != nil {
		s.logger.ErrorContext(ctx, "save bulk upload job failed", "job_id", job.ID, "error", err)
	}
	observability.RecordBulkProvisionRows(ctx, "created", job.CreatedRows)
	observability.RecordBulkProvisionRows(ctx, "failed", job.FailedRows)
	outcome := observability.AuditOutcomeSuccess
	if job.Status == domain.BulkJobStatusFailed {
		outcome = observability.AuditOutcomeFailure
	}
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "user.bulk_provisioned",
		ActorUserID: actor.auditID(),
		TargetType:  "bulk_upload",
		TargetID:    job.ID,
		Action:      "bulk_create_users",
		Outcome:     outcome,
		Metadata: map[string]any{
			"filename": job.Filename,
			"total":    job.TotalRows,
			"created":  job.CreatedRows,
			"failed":   job.FailedRows,
		},
	})
}

func (s *BulkService) Get(ctx context.Context, id string) (*BulkJobResult, error) {
	job, err := s.jobs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &BulkJobResult{Job: job, Errors: []domain.BulkRowError{}}
	if job.Errors != "" {
		if err := json.Unmarshal([]byte(job.Errors), &out.Errors); err != nil {
			return nil, fmt.Errorf("decode bulk job errors: %w", err)
		}
	}
	return out, nil
}

// BulkSourceFile is the archived upload behind a bulk job.
type BulkSourceFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// SourceFile returns the original upload so admins can audit a job. Jobs
// created while storage was disabled have nothing archived.
func (s *BulkService) SourceFile(ctx context.Context, id string) (*BulkSourceFile, error) {
	job, err := s.jobs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.ObjectKey == "" {
		return nil, ErrStorageDisabled
	}
	data, err := s.storage.GetObject(ctx, job.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("load bulk upload %s: %w", job.ID, err)
	}
	return &BulkSourceFile{
		Filename:    job.Filename,
		ContentType: bulkContentType(strings.ToLower(filepath.Ext(job.Filename))),
		Data:        data,
	}, nil
}

func bulkContentType(ext string) string {
	if ext == ".xlsx" {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

func readBulkRecords(ext string, data []byte) ([][]string, error) {
	var (
		records [][]string
		err     error
	)
	if ext == ".xlsx" {
		records, err = readXLSX(data)
	} else {
		records, err = readCSV(data)
	}
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.New("file has no header row")
	}
	columns := headerIndex(records[0])
	for _, required := range []string{"email", "first_name", "last_name"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}
	return records, nil
}

func readCSV(data []byte) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	var out [][]string
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse csv: %w", err)
		}
		out = append(out, record)
	}
}

func readXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read xlsx rows: %w", err)
	}
	return rows, nil
}

func headerIndex(header []string) map[string]int {
	out := make(map[string]int, len(header))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(name))
		key = strings.ReplaceAll(key, " ", "_")
		if _, dup := out[key]; !dup {
			out[key] = i
		}
	}
	return out
}

func bulkRowFrom(record []string, columns map[string]int) bulkRow {
	get := func(name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	return bulkRow{
		Email:        domain.NormalizeEmail(get("email")),
		FirstName:    get("first_name"),
		LastName:     get("last_name"),
		Role:         strings.ToLower(get("role")),
		Organization: get("organization"),
		Phone:        get("phone"),
		Country:      get("country"),
	}
}

// BulkTemplateHeader is the header row of an upload template.
func BulkTemplateHeader() []string {
	return append([]string(nil), bulkColumns...)
}
