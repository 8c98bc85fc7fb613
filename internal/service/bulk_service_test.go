package service

import (
	"context"
	"errors"
	"testing"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/observability"

	"github.com/xuri/excelize/v2"
)

func newBulkService(fx *serviceFixture) *BulkService {
	return NewBulkService(fx.repos.BulkJobs, fx.invites, fx.roleMap, fx.storage, fx.audit, observability.DiscardLogger())
}

func TestBulkServiceUploadCSV(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	admin := fx.createUser("admin@bda.test", domain.RoleAdmin, nil)
	fx.createUser("existing@example.com", domain.RoleIndividual, nil)
	bulk := newBulkService(fx)

	csv := "\xef\xbb\xbfEmail,First Name,Last Name,Role,Country\n" +
		"one@example.com,One,Person,,UK\n" +
		"not-an-email,Bad,Row,,\n" +
		"ONE@example.com,One,Again,,\n" +
		"existing@example.com,Old,Timer,,\n" +
		"admin2@example.com,Second,Admin,administrator,\n" +
		",,,,\n" +
		"trainer@example.com,Tia,Trainer,training_partner,\n"

	res, err := bulk.Upload(ctx, actorFor(admin), BulkUploadInput{Filename: "../../people list.csv", Data: []byte(csv)})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	job := res.Job
	if job.Status != domain.BulkJobStatusCompleted || job.TotalRows != 6 || job.CreatedRows != 2 || job.FailedRows != 4 {
		t.Fatalf("unexpected job %+v", job)
	}
	rows := map[int]bool{}
	for _, e := range res.Errors {
		rows[e.Row] = true
	}
	for _, want := range []int{3, 4, 5, 8} {
		if !rows[want] {
			t.Fatalf("expected an error for row %d, got %+v", want, res.Errors)
		}
	}
	if job.ObjectKey != "bulk-uploads/"+job.ID+"/people_list.csv" || job.Filename != "people_list.csv" {
		t.Fatalf("job and object key must share the sanitised name, got %q and %q", job.Filename, job.ObjectKey)
	}
	src, err := bulk.SourceFile(ctx, job.ID)
	if err != nil {
		t.Fatalf("expected the upload to be archived: %v", err)
	}
	if src.Filename != "people_list.csv" || src.ContentType != "text/csv" || len(src.Data) == 0 {
		t.Fatalf("unexpected source file %q %q (%d bytes)", src.Filename, src.ContentType, len(src.Data))
	}

	created, err := fx.repos.Users.FindByEmail(ctx, "admin2@example.com")
	if err != nil {
		t.Fatalf("find created user: %v", err)
	}
	if created.Role != domain.RoleAdmin || created.Status != domain.UserStatusInvited {
		t.Fatalf("expected invited admin via role mapping, got %s/%s", created.Role, created.Status)
	}
	if got := fx.queuedEmails(TemplateInvite); len(got) != 2 {
		t.Fatalf("expected two invites, got %d", len(got))
	}

	stored, err := bulk.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if len(stored.Errors) != 4 || stored.Job.CreatedRows != 2 {
		t.Fatalf("unexpected stored job %+v", stored)
	}
}

func TestBulkServiceUploadXLSX(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	ecp := fx.createPartner("Exam Centre", domain.PartnerTypeECP)
	bulk := newBulkService(fx)

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]any{
		{"email", "first_name", "last_name", "organization"},
		{"proctor1@ecp.test", "Pat", "One", "Exam Centre"},
		{"proctor2@ecp.test", "Sam", "Two", "Exam Centre"},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}

	res, err := bulk.Upload(ctx, SystemActor, BulkUploadInput{
		Filename:    "proctors.xlsx",
		Data:        buf.Bytes(),
		DefaultRole: "ECP",
		PartnerID:   &ecp.ID,
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.Job.CreatedRows != 2 || res.Job.FailedRows != 0 || res.Job.DefaultRole != domain.RoleECP {
		t.Fatalf("unexpected job %+v errors=%+v", res.Job, res.Errors)
	}
	u, err := fx.repos.Users.FindByEmail(ctx, "proctor2@ecp.test")
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if u.PartnerID == nil || *u.PartnerID != ecp.ID || u.Organization != "Exam Centre" {
		t.Fatalf("expected partner link, got %+v", u)
	}
}

func TestBulkServiceRejectsBadFiles(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	bulk := newBulkService(fx)

	if _, err := bulk.Upload(ctx, SystemActor, BulkUploadInput{Filename: "people.txt", Data: []byte("x")}); !errors.Is(err, ErrUnsupportedFile) {
		t.Fatalf("expected ErrUnsupportedFile, got %v", err)
	}
	if _, err := bulk.Upload(ctx, SystemActor, BulkUploadInput{Filename: "people.csv", Data: []byte("email\n"), DefaultRole: "wizard"}); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}

	res, err := bulk.Upload(ctx, SystemActor, BulkUploadInput{Filename: "people.csv", Data: []byte("email,first_name\na@b.test,A\n")})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for missing column, got %v", err)
	}
	if res == nil || res.Job.Status != domain.BulkJobStatusFailed {
		t.Fatalf("expected a failed job to be recorded, got %+v", res)
	}
	stored, err := bulk.Get(ctx, res.Job.ID)
	if err != nil || stored.Job.Status != domain.BulkJobStatusFailed || len(stored.Errors) != 1 {
		t.Fatalf("unexpected stored job %+v err=%v", stored, err)
	}
}

func TestBulkTemplateHeader(t *testing.T) {
	h := BulkTemplateHeader()
	if h[0] != "email" || len(h) != len(bulkColumns) {
		t.Fatalf("unexpected header %v", h)
	}
	h[0] = "changed"
	if bulkColumns[0] != "email" {
		t.Fatal("header must be a copy")
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"../../people list.csv":               "people_list.csv",
		`C:\Users\ana\Q1 intake (final).xlsx`: "Q1_intake_final_.xlsx",
		"roster.csv":                          "roster.csv",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Fatalf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
