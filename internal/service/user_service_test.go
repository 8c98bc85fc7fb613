package service

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
)

func strPtr(v string) *string { return &v }

func TestCheckProfileCompletion(t *testing.T) {
	dob := time.Date(1990, 5, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		user     domain.User
		complete bool
		missing  []string
		percent  int
	}{
		{
			name:    "individual missing contact details",
			user:    domain.User{Role: domain.RoleIndividual, FirstName: "Ada", LastName: "Lovelace", Phone: "  "},
			missing: []string{"phone", "country", "date_of_birth"},
			percent: 40,
		},
		{
			name:     "individual complete",
			user:     domain.User{Role: domain.RoleIndividual, FirstName: "Ada", LastName: "Lovelace", Phone: "+44", Country: "UK", DateOfBirth: &dob},
			complete: true,
			missing:  []string{},
			percent:  100,
		},
		{
			name:    "partner needs organization and title",
			user:    domain.User{Role: domain.RoleECP, FirstName: "Pat", LastName: "Proctor", Phone: "+1", Country: "US"},
			missing: []string{"organization", "job_title"},
			percent: 66,
		},
		{
			name:     "admin only needs a name",
			user:     domain.User{Role: domain.RoleAdmin, FirstName: "Root", LastName: "Admin"},
			complete: true,
			missing:  []string{},
			percent:  100,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := CheckProfileCompletion(&tc.user)
			if got.Complete != tc.complete || got.Percent != tc.percent || !slices.Equal(got.Missing, tc.missing) {
				t.Fatalf("got %+v", got)
			}
		})
	}
}

func TestUserServiceUpdateProfile(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	u := fx.createUser("profile@example.com", domain.RoleIndividual, nil)

	var verr *ValidationError
	if _, err := fx.users.UpdateProfile(ctx, u.ID, UpdateProfileInput{DateOfBirth: strPtr("01/05/1990")}); !errors.As(err, &verr) {
		t.Fatalf("expected date format error, got %v", err)
	}
	if _, err := fx.users.UpdateProfile(ctx, u.ID, UpdateProfileInput{DateOfBirth: strPtr("2030-01-01")}); !errors.As(err, &verr) {
		t.Fatalf("expected future date error, got %v", err)
	}

	updated, err := fx.users.UpdateProfile(ctx, u.ID, UpdateProfileInput{
		Phone:       strPtr(" +44 20 7946 0000 "),
		Country:     strPtr("UK"),
		DateOfBirth: strPtr("1990-05-01"),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Phone != "+44 20 7946 0000" || updated.FirstName != "Ada" {
		t.Fatalf("expected trimmed phone and untouched name, got %+v", updated)
	}
	if !updated.ProfileCompleted {
		t.Fatal("expected the profile to be complete")
	}
	pc, err := fx.users.ProfileCompletion(ctx, u.ID)
	if err != nil || !pc.Complete {
		t.Fatalf("expected stored completion, got %+v err=%v", pc, err)
	}

	cleared, err := fx.users.UpdateProfile(ctx, u.ID, UpdateProfileInput{DateOfBirth: strPtr("")})
	if err != nil {
		t.Fatalf("clear dob: %v", err)
	}
	if cleared.DateOfBirth != nil || cleared.ProfileCompleted {
		t.Fatalf("expected dob cleared and profile incomplete, got %+v", cleared)
	}
}

func TestUserServiceSetStatus(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	admin := fx.createUser("admin@bda.test", domain.RoleAdmin, nil)
	reg, err := fx.auth.Register(ctx, registerInput("member@example.com"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := fx.users.SetStatus(ctx, actorFor(admin), admin.ID, SetUserStatusInput{Status: domain.UserStatusDisabled}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("admins must not disable themselves, got %v", err)
	}
	u, err := fx.users.SetStatus(ctx, actorFor(admin), reg.User.ID, SetUserStatusInput{Status: domain.UserStatusDisabled, Reason: "chargeback"})
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if u.Status != domain.UserStatusDisabled {
		t.Fatalf("expected disabled, got %s", u.Status)
	}
	if _, err := fx.auth.Refresh(ctx, reg.Tokens.RefreshToken); err == nil {
		t.Fatal("disabling must end existing sessions")
	}

	var logs int64
	fx.db.Model(&domain.AuditLog{}).Where("event_name = ? AND target_id = ?", "user.status_changed", uintString(reg.User.ID)).Count(&logs)
	if logs != 1 {
		t.Fatalf("expected an audit entry, got %d", logs)
	}
}

func TestUserServiceSetRole(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	admin := fx.createUser("admin@bda.test", domain.RoleAdmin, nil)
	pdp := fx.createPartner("Trainer", domain.PartnerTypePDP)
	u := fx.createUser("promote@example.com", domain.RoleIndividual, nil)

	var verr *ValidationError
	if _, err := fx.users.SetRole(ctx, actorFor(admin), u.ID, SetUserRoleInput{Role: domain.RoleECP, PartnerID: &pdp.ID}); !errors.As(err, &verr) {
		t.Fatalf("expected partner type mismatch, got %v", err)
	}
	updated, err := fx.users.SetRole(ctx, actorFor(admin), u.ID, SetUserRoleInput{Role: domain.RolePDP, PartnerID: &pdp.ID})
	if err != nil {
		t.Fatalf("set role: %v", err)
	}
	if updated.Role != domain.RolePDP || updated.PartnerID == nil || *updated.PartnerID != pdp.ID {
		t.Fatalf("unexpected user %+v", updated)
	}

	back, err := fx.users.SetRole(ctx, actorFor(admin), u.ID, SetUserRoleInput{Role: domain.RoleIndividual, PartnerID: &pdp.ID})
	if err != nil {
		t.Fatalf("set role back: %v", err)
	}
	if back.PartnerID != nil {
		t.Fatal("non-partner roles must drop the partner link")
	}
}

func TestUserServiceDashboards(t *testing.T) {
	bf := newBookingFixture(t, 3)
	ctx := context.Background()
	bf.book(t)
	fx := bf.serviceFixture

	d, err := fx.users.Dashboard(ctx, bf.candidate.ID)
	if err != nil {
		t.Fatalf("individual dashboard: %v", err)
	}
	if d.Individual == nil || len(d.Individual.UpcomingBookings) != 1 {
		t.Fatalf("expected one upcoming booking, got %+v", d.Individual)
	}
	if len(d.Individual.Vouchers) != 0 {
		t.Fatalf("exhausted vouchers must not be listed, got %d", len(d.Individual.Vouchers))
	}

	stock := fx.createVoucher(bf.cert.ID, 4, nil)
	fx.db.Model(stock).Update("partner_id", bf.partner.ID)
	d, err = fx.users.Dashboard(ctx, bf.proctor.ID)
	if err != nil {
		t.Fatalf("ecp dashboard: %v", err)
	}
	if d.ECP == nil || len(d.ECP.UpcomingSchedules) != 1 || d.ECP.VoucherStock != 4 {
		t.Fatalf("unexpected ecp dashboard %+v", d.ECP)
	}
	if s := d.ECP.UpcomingSchedules[0]; s.Booked != 1 || s.Capacity != 3 || s.CertificationCode != "CA" {
		t.Fatalf("unexpected schedule summary %+v", s)
	}

	admin := fx.createUser("admin@bda.test", domain.RoleAdmin, nil)
	d, err = fx.users.Dashboard(ctx, admin.ID)
	if err != nil {
		t.Fatalf("admin dashboard: %v", err)
	}
	if d.Admin == nil || d.Admin.BookingsThisMonth != 1 || d.Admin.UsersByRole[domain.RoleAdmin] != 1 {
		t.Fatalf("unexpected admin dashboard %+v", d.Admin)
	}
	fx.createUser("admin2@bda.test", domain.RoleAdmin, nil)
	d, err = fx.users.Dashboard(ctx, admin.ID)
	if err != nil {
		t.Fatalf("admin dashboard again: %v", err)
	}
	if d.Admin.UsersByRole[domain.RoleAdmin] != 1 {
		t.Fatal("expected the cached summary within its ttl")
	}
}

func TestUserServiceRoleMatrix(t *testing.T) {
	fx := newServiceFixture(t)
	orphan := domain.Permission{Resource: "reports", Action: "export"}
	if err := fx.db.Create(&orphan).Error; err != nil {
		t.Fatalf("create permission: %v", err)
	}

	matrix, err := fx.users.RoleMatrix(context.Background())
	if err != nil {
		t.Fatalf("role matrix: %v", err)
	}
	if len(matrix.Roles) != len(domain.InternalRoles) {
		t.Fatalf("expected %d roles, got %d", len(domain.InternalRoles), len(matrix.Roles))
	}
	for _, g := range matrix.Roles {
		if !slices.IsSorted(g.Permissions) {
			t.Fatalf("permissions of %s are not sorted: %v", g.Role, g.Permissions)
		}
		switch g.Role {
		case domain.RoleIndividual:
			if !slices.Contains(g.Permissions, "exams:book") || slices.Contains(g.Permissions, "exams:manage") {
				t.Fatalf("unexpected individual grants %v", g.Permissions)
			}
		case domain.RoleECP:
			if slices.Contains(g.Permissions, "exams:book") || !slices.Contains(g.Permissions, "vouchers:assign") {
				t.Fatalf("unexpected ecp grants %v", g.Permissions)
			}
		}
	}
	if !slices.Equal(matrix.UnassignedPermissions, []string{"reports:export"}) {
		t.Fatalf("unexpected unassigned permissions %v", matrix.UnassignedPermissions)
	}
}
