package service

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/repository"
)

const dashboardRecentLimit = 10

// UpdateProfileInput is a partial update; nil fields are left unchanged.
// DateOfBirth uses YYYY-MM-DD and an empty string clears it.
type UpdateProfileInput struct {
	FirstName    *string `json:"first_name" validate:"omitempty,max=120"`
	LastName     *string `json:"last_name" validate:"omitempty,max=120"`
	Phone        *string `json:"phone" validate:"omitempty,max=40"`
	Country      *string `json:"country" validate:"omitempty,max=80"`
	Organization *string `json:"organization" validate:"omitempty,max=255"`
	JobTitle     *string `json:"job_title" validate:"omitempty,max=120"`
	DateOfBirth  *string `json:"date_of_birth"`
}

type UserFilterInput struct {
	Role      string
	Status    string
	PartnerID *uint
	Search    string
	Page      int
	PageSize  int
}

type SetUserStatusInput struct {
	Status string `json:"status" validate:"required,oneof=active disabled"`
	Reason string `json:"reason" validate:"max=500"`
}

type SetUserRoleInput struct {
	Role      string `json:"role" validate:"required,oneof=individual ecp pdp admin"`
	PartnerID *uint  `json:"partner_id"`
}

type Dashboard struct {
	Role       string               `json:"role"`
	Individual *IndividualDashboard `json:"individual,omitempty"`
	ECP        *ECPDashboard        `json:"ecp,omitempty"`
	PDP        *PDPDashboard        `json:"pdp,omitempty"`
	Admin      *AdminDashboard      `json:"admin,omitempty"`
}

type IndividualDashboard struct {
	Profile          ProfileCompletion    `json:"profile"`
	Certificates     []domain.Certificate `json:"certificates"`
	UpcomingBookings []domain.ExamBooking `json:"upcoming_bookings"`
	Vouchers         []domain.Voucher     `json:"vouchers"`
}

type ScheduleSummary struct {
	ID                uint      `json:"id"`
	CertificationCode string    `json:"certification_code"`
	StartsAt          time.Time `json:"starts_at"`
	Mode              string    `json:"mode"`
	Location          string    `json:"location"`
	Booked            int       `json:"booked"`
	Capacity          int       `json:"capacity"`
}

type ECPDashboard struct {
	Partner           *domain.Partner   `json:"partner"`
	UpcomingSchedules []ScheduleSummary `json:"upcoming_schedules"`
	VoucherStock      int64             `json:"voucher_stock"`
}

type PDPDashboard struct {
	Partner            *domain.Partner      `json:"partner"`
	AffiliatedUsers    int64                `json:"affiliated_users"`
	RecentCertificates []domain.Certificate `json:"recent_certificates"`
}

type AdminDashboard struct {
	UsersByRole           map[string]int64 `json:"users_by_role"`
	PendingEmails         int64            `json:"pending_emails"`
	FailedEmails          int64            `json:"failed_emails"`
	BookingsThisMonth     int64            `json:"bookings_this_month"`
	CertificatesThisMonth int64            `json:"certificates_this_month"`
	Partners              int64            `json:"partners"`
}

// Admin dashboard counters are shared by every admin and refreshed this often.
const adminDashboardTTL = 30 * time.Second

type UserService struct {
	repos    *repository.Repositories
	resolver PermissionResolver
	tokens   *TokenService
	cache    ResponseCache
	audit    *AuditService
	now      func() time.Time
}

func NewUserService(repos *repository.Repositories, resolver PermissionResolver, tokens *TokenService, cache ResponseCache, audit *AuditService) *UserService {
	if cache == nil {
		cache = NoopResponseCache{}
	}
	return &UserService{repos: repos, resolver: resolver, tokens: tokens, cache: cache, audit: audit, now: systemNow}
}

// GetByID returns the user with the permissions of their role.
func (s *UserService) GetByID(ctx context.Context, id uint) (*domain.User, []string, error) {
	u, err := s.repos.Users.FindByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	perms, err := s.resolver.ResolvePermissions(ctx, u.Role)
	if err != nil {
		return nil, nil, err
	}
	return u, perms, nil
}

func (s *UserService) ProfileCompletion(ctx context.Context, id uint) (ProfileCompletion, error) {
	u, err := s.repos.Users.FindByID(ctx, id)
	if err != nil {
		return ProfileCompletion{}, err
	}
	return CheckProfileCompletion(u), nil
}

func (s *UserService) UpdateProfile(ctx context.Context, id uint, in UpdateProfileInput) (*domain.User, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	u, err := s.repos.Users.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	setTrimmed(&u.FirstName, in.FirstName)
	setTrimmed(&u.LastName, in.LastName)
	setTrimmed(&u.Phone, in.Phone)
	setTrimmed(&u.Country, in.Country)
	setTrimmed(&u.Organization, in.Organization)
	setTrimmed(&u.JobTitle, in.JobTitle)
	if in.DateOfBirth != nil {
		dob, err := parseDateOfBirth(*in.DateOfBirth, s.now())
		if err != nil {
			return nil, err
		}
		u.DateOfBirth = dob
	}
	u.ProfileCompleted = CheckProfileCompletion(u).Complete
	if err := s.repos.Users.Save(ctx, u); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "user.profile_updated",
		ActorUserID: uintString(u.ID),
		TargetType:  "user",
		TargetID:    uintString(u.ID),
		Action:      "update_profile",
		Outcome:     observability.AuditOutcomeSuccess,
		Metadata:    map[string]any{"profile_completed": u.ProfileCompleted},
	})
	return u, nil
}

func setTrimmed(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

func parseDateOfBirth(v string, now time.Time) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	dob, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, fieldError("date_of_birth", "must be a date in YYYY-MM-DD format")
	}
	if !dob.Before(now) {
		return nil, fieldError("date_of_birth", "must be in the past")
	}
	return &dob, nil
}

func (s *UserService) List(ctx context.Context, in UserFilterInput) (repository.PageResult[domain.User], error) {
	return s.repos.Users.ListPaged(ctx, repository.UserFilter{
		Role:      in.Role,
		Status:    in.Status,
		PartnerID: in.PartnerID,
		Search:    in.Search,
	}, repository.PageRequest{Page: in.Page, PageSize: in.PageSize})
}

// SetStatus enables or disables an account. Disabling revokes every
// session of the user.
func (s *UserService) SetStatus(ctx context.Context, actor Actor, id uint, in SetUserStatusInput) (*domain.User, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	if id == actor.UserID && in.Status == domain.UserStatusDisabled {
		return nil, ErrForbidden
	}
	u, err := s.repos.Users.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.repos.Users.UpdateStatus(ctx, id, in.Status); err != nil {
		return nil, err
	}
	u.Status = in.Status
	if in.Status == domain.UserStatusDisabled {
		if _, err := s.tokens.RevokeAll(ctx, id, "account_disabled"); err != nil {
			return nil, err
		}
	}
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "user.status_changed",
		ActorUserID: actor.auditID(),
		TargetType:  "user",
		TargetID:    uintString(id),
		Action:      "set_status",
		Outcome:     observability.AuditOutcomeSuccess,
		Reason:      in.Reason,
		Metadata:    map[string]any{"status": in.Status},
	})
	return u, nil
}

// SetRole changes a user's role. Partner roles need a partner of the
// matching type; other roles drop the partner link.
func (s *UserService) SetRole(ctx context.Context, actor Actor, id uint, in SetUserRoleInput) (*domain.User, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	u, err := s.repos.Users.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkPartnerLink(ctx, s.repos.Partners, in.Role, in.PartnerID); err != nil {
		return nil, err
	}
	previous := u.Role
	u.Role = in.Role
	u.PartnerID = nil
	if domain.IsPartnerRole(in.Role) {
		u.PartnerID = in.PartnerID
	}
	u.Partner = nil
	u.ProfileCompleted = CheckProfileCompletion(u).Complete
	if err := s.repos.Users.Save(ctx, u); err != nil {
		return nil, err
	}
	if previous != u.Role {
		if _, err := s.tokens.RevokeAll(ctx, id, "role_changed"); err != nil {
			return nil, err
		}
	}
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "user.role_changed",
		ActorUserID: actor.auditID(),
		TargetType:  "user",
		TargetID:    uintString(id),
		Action:      "set_role",
		Outcome:     observability.AuditOutcomeSuccess,
		Metadata:    map[string]any{"from": previous, "to": u.Role, "partner_id": u.PartnerID},
	})
	return u, nil
}

func checkPartnerLink(ctx context.Context, partners repository.PartnerRepository, role string, partnerID *uint) error {
	if !domain.IsPartnerRole(role) {
		return nil
	}
	if partnerID == nil {
		return fieldError("partner_id", "is required for partner roles")
	}
	p, err := partners.FindByID(ctx, *partnerID)
	if err != nil {
		return err
	}
	if p.Type != role {
		return fieldError("partner_id", "partner type does not match role")
	}
	return nil
}

// Dashboard builds the role-specific landing view for the user.
func (s *UserService) Dashboard(ctx context.Context, userID uint) (*Dashboard, error) {
	u, err := s.repos.Users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	d := &Dashboard{Role: u.Role}
	switch u.Role {
	case domain.RoleECP:
		d.ECP, err = s.ecpDashboard(ctx, u, now)
	case domain.RolePDP:
		d.PDP, err = s.pdpDashboard(ctx, u)
	case domain.RoleAdmin:
		d.Admin, err = cachedJSON(ctx, s.cache, cacheNamespaceAdminDashboard, "summary", adminDashboardTTL, func() (*AdminDashboard, error) {
			return s.adminDashboard(ctx, now)
		})
	default:
		d.Individual, err = s.individualDashboard(ctx, u, now)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *UserService) individualDashboard(ctx context.Context, u *domain.User, now time.Time) (*IndividualDashboard, error) {
	certs, err := s.repos.Certificates.ListForUser(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	for i := range certs {
		certs[i].Status = certs[i].EffectiveStatus(now)
	}
	bookings, err := s.repos.Bookings.ListUpcomingForUser(ctx, u.ID, now)
	if err != nil {
		return nil, err
	}
	vouchers, err := s.repos.Vouchers.ListForUser(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	usable := make([]domain.Voucher, 0, len(vouchers))
	for _, v := range vouchers {
		if v.Status == domain.VoucherStatusActive && v.Remaining() > 0 && v.ValidUntil.After(now) {
			usable = append(usable, v)
		}
	}
	return &IndividualDashboard{
		Profile:          CheckProfileCompletion(u),
		Certificates:     certs,
		UpcomingBookings: bookings,
		Vouchers:         usable,
	}, nil
}

func (s *UserService) ecpDashboard(ctx context.Context, u *domain.User, now time.Time) (*ECPDashboard, error) {
	out := &ECPDashboard{Partner: u.Partner, UpcomingSchedules: []ScheduleSummary{}}
	if u.PartnerID == nil {
		return out, nil
	}
	page, err := s.repos.Schedules.ListPaged(ctx, repository.ScheduleFilter{
		PartnerID:   u.PartnerID,
		Status:      domain.ScheduleStatusScheduled,
		StartsAfter: &now,
	}, repository.PageRequest{Page: 1, PageSize: dashboardRecentLimit})
	if err != nil {
		return nil, err
	}
	for _, sched := range page.Items {
		summary := ScheduleSummary{
			ID:       sched.ID,
			StartsAt: sched.StartsAt,
			Mode:     sched.Mode,
			Location: sched.Location,
			Booked:   sched.BookedCount,
			Capacity: sched.Capacity,
		}
		if sched.Certification != nil {
			summary.CertificationCode = sched.Certification.Code
		}
		out.UpcomingSchedules = append(out.UpcomingSchedules, summary)
	}
	out.VoucherStock, err = s.repos.Vouchers.CountAvailableForPartner(ctx, *u.PartnerID, now)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *UserService) pdpDashboard(ctx context.Context, u *domain.User) (*PDPDashboard, error) {
	out := &PDPDashboard{Partner: u.Partner, RecentCertificates: []domain.Certificate{}}
	if u.PartnerID == nil {
		return out, nil
	}
	var err error
	out.AffiliatedUsers, err = s.repos.Users.CountByPartner(ctx, *u.PartnerID)
	if err != nil {
		return nil, err
	}
	out.RecentCertificates, err = s.repos.Certificates.ListRecentForPartner(ctx, *u.PartnerID, dashboardRecentLimit)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *UserService) adminDashboard(ctx context.Context, now time.Time) (*AdminDashboard, error) {
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	out := &AdminDashboard{}
	var err error
	if out.UsersByRole, err = s.repos.Users.CountByRole(ctx); err != nil {
		return nil, err
	}
	if out.PendingEmails, err = s.repos.Emails.CountByStatus(ctx, domain.EmailStatusPending); err != nil {
		return nil, err
	}
	if out.FailedEmails, err = s.repos.Emails.CountByStatus(ctx, domain.EmailStatusFailed); err != nil {
		return nil, err
	}
	if out.BookingsThisMonth, err = s.repos.Bookings.CountCreatedSince(ctx, monthStart); err != nil {
		return nil, err
	}
	if out.CertificatesThisMonth, err = s.repos.Certificates.CountIssuedSince(ctx, monthStart); err != nil {
		return nil, err
	}
	if out.Partners, err = s.repos.Partners.Count(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// RoleGrant is one row of the RBAC matrix.
type RoleGrant struct {
	Role        string   `json:"role"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions"`
}

type RoleMatrix struct {
	Roles                 []RoleGrant `json:"roles"`
	UnassignedPermissions []string    `json:"unassigned_permissions"`
}

// RoleMatrix lists what each internal role grants as stored in the
// database, plus permissions no role holds.
func (s *UserService) RoleMatrix(ctx context.Context) (*RoleMatrix, error) {
	roles, err := s.repos.Roles.List(ctx)
	if err != nil {
		return nil, err
	}
	perms, err := s.repos.Permissions.List(ctx)
	if err != nil {
		return nil, err
	}
	out := &RoleMatrix{Roles: make([]RoleGrant, 0, len(roles)), UnassignedPermissions: []string{}}
	granted := map[string]struct{}{}
	for _, role := range roles {
		keys := make([]string, 0, len(role.Permissions))
		for _, p := range role.Permissions {
			keys = append(keys, p.Key())
			granted[p.Key()] = struct{}{}
		}
		slices.Sort(keys)
		out.Roles = append(out.Roles, RoleGrant{Role: role.Name, Description: role.Description, Permissions: slices.Compact(keys)})
	}
	for _, p := range perms {
		if _, ok := granted[p.Key()]; !ok {
			out.UnassignedPermissions = append(out.UnassignedPermissions, p.Key())
		}
	}
	return out, nil
}
