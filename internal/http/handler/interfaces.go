package handler

import (
	"context"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/repository"
	"github.com/bda-association/bda-portal/internal/service"
)

type AuthService interface {
	Register(ctx context.Context, in service.RegisterInput) (*service.AuthResult, error)
	Login(ctx context.Context, in service.LoginInput) (*service.AuthResult, error)
	LegacyLogin(ctx context.Context, in service.LoginInput) (*service.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (*service.AuthResult, error)
	Logout(ctx context.Context, refreshToken string) error
}

type InviteService interface {
	CreateUser(ctx context.Context, actor service.Actor, in service.CreateUserInput) (*domain.User, error)
	ResendInvite(ctx context.Context, actor service.Actor, userID uint) (*domain.User, error)
	RequestMagicLink(ctx context.Context, in service.MagicLinkRequestInput) error
	ConsumeMagicLink(ctx context.Context, in service.ConsumeMagicLinkInput) (*service.AuthResult, error)
}

type UserService interface {
	GetByID(ctx context.Context, id uint) (*domain.User, []string, error)
	ProfileCompletion(ctx context.Context, id uint) (service.ProfileCompletion, error)
	UpdateProfile(ctx context.Context, id uint, in service.UpdateProfileInput) (*domain.User, error)
	Dashboard(ctx context.Context, userID uint) (*service.Dashboard, error)
	List(ctx context.Context, in service.UserFilterInput) (repository.PageResult[domain.User], error)
	SetStatus(ctx context.Context, actor service.Actor, id uint, in service.SetUserStatusInput) (*domain.User, error)
	SetRole(ctx context.Context, actor service.Actor, id uint, in service.SetUserRoleInput) (*domain.User, error)
	RoleMatrix(ctx context.Context) (*service.RoleMatrix, error)
}

type ConsentService interface {
	Record(ctx context.Context, userID uint, in service.RecordConsentInput) (*domain.ConsentRecord, error)
	ListForUser(ctx context.Context, userID uint) ([]domain.ConsentRecord, error)
	Current(ctx context.Context, userID uint) (map[string]domain.ConsentRecord, error)
}

type CertificationService interface {
	ListCatalog(ctx context.Context, activeOnly bool) ([]domain.Certification, error)
	CreateCertification(ctx context.Context, actor service.Actor, in service.CertificationInput) (*domain.Certification, error)
	UpdateCertification(ctx context.Context, actor service.Actor, id uint, in service.CertificationInput) (*domain.Certification, error)
	Issue(ctx context.Context, actor service.Actor, in service.IssueCertificateInput) (*domain.Certificate, error)
	Verify(ctx context.Context, credentialID string) (*service.VerificationResult, error)
	Revoke(ctx context.Context, actor service.Actor, credentialID, reason string) (*domain.Certificate, error)
	ListForUser(ctx context.Context, userID uint) ([]domain.Certificate, error)
	ListAll(ctx context.Context, in service.CertificateFilterInput) (repository.PageResult[domain.Certificate], error)
	RenderPDF(ctx context.Context, credentialID string) (*domain.Certificate, error)
	DownloadURL(ctx context.Context, actor service.Actor, credentialID string) (string, error)
}

type ExamService interface {
	CreateSchedule(ctx context.Context, actor service.Actor, in service.CreateScheduleInput) (*domain.ExamSchedule, error)
	ListSchedules(ctx context.Context, in service.ScheduleFilterInput) (repository.PageResult[domain.ExamSchedule], error)
	CancelSchedule(ctx context.Context, actor service.Actor, id uint, reason string) (*domain.ExamSchedule, error)
	Book(ctx context.Context, actor service.Actor, in service.BookExamInput) (*domain.ExamBooking, error)
	CancelBooking(ctx context.Context, actor service.Actor, bookingID uint) (*domain.ExamBooking, error)
	RecordResult(ctx context.Context, actor service.Actor, bookingID uint, in service.RecordResultInput) (*domain.ExamBooking, *domain.Certificate, error)
	ListBookingsForUser(ctx context.Context, userID uint) ([]domain.ExamBooking, error)
	ListBookingsForSchedule(ctx context.Context, actor service.Actor, scheduleID uint) ([]domain.ExamBooking, error)
}

type VoucherService interface {
	CreateBatch(ctx context.Context, actor service.Actor, in service.CreateVoucherBatchInput) ([]domain.Voucher, error)
	Assign(ctx context.Context, actor service.Actor, in service.AssignVoucherInput) (*domain.Voucher, error)
	Revoke(ctx context.Context, actor service.Actor, code string) (*domain.Voucher, error)
	ListForUser(ctx context.Context, userID uint) ([]domain.Voucher, error)
	ListForPartner(ctx context.Context, actor service.Actor, in service.VoucherFilterInput) (repository.PageResult[domain.Voucher], error)
}

type PartnerService interface {
	Create(ctx context.Context, actor service.Actor, in service.PartnerInput) (*domain.Partner, error)
	Get(ctx context.Context, id uint) (*domain.Partner, error)
	Update(ctx context.Context, actor service.Actor, id uint, in service.PartnerInput) (*domain.Partner, error)
	List(ctx context.Context, in service.PartnerFilterInput) (repository.PageResult[domain.Partner], error)
}

type RoleMappingService interface {
	List(ctx context.Context) ([]domain.RoleMapping, error)
	Upsert(ctx context.Context, actor service.Actor, in service.UpsertRoleMappingInput) (*domain.RoleMapping, error)
	Delete(ctx context.Context, actor service.Actor, external string) error
}

type AuditService interface {
	List(ctx context.Context, in service.AuditFilterInput) (repository.PageResult[domain.AuditLog], error)
}

type EmailService interface {
	List(ctx context.Context, in service.EmailFilterInput) (repository.PageResult[domain.EmailQueueItem], error)
	RetryFailed(ctx context.Context, actor service.Actor, id uint) (*domain.EmailQueueItem, error)
}

type CommerceService interface {
	SyncOrders(ctx context.Context, actor service.Actor, trigger string, since *time.Time) (service.CommerceSyncResult, error)
	HandleWebhook(ctx context.Context, body []byte, signature string) (service.CommerceSyncResult, error)
}

type BulkService interface {
	Upload(ctx context.Context, actor service.Actor, in service.BulkUploadInput) (*service.BulkJobResult, error)
	Get(ctx context.Context, id string) (*service.BulkJobResult, error)
	SourceFile(ctx context.Context, id string) (*service.BulkSourceFile, error)
}
