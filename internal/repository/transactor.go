package repository

import (
	"context"

	"gorm.io/gorm"
)

// Repositories groups every repository bound to the same database handle.
type Repositories struct {
	Users              UserRepository
	Roles              RoleRepository
	Permissions        PermissionRepository
	Credentials        LocalCredentialRepository
	Sessions           SessionRepository
	VerificationTokens VerificationTokenRepository
	Partners           PartnerRepository
	Certifications     CertificationRepository
	Sequences          CredentialSequenceRepository
	Certificates       CertificateRepository
	Schedules          ExamScheduleRepository
	Bookings           ExamBookingRepository
	Vouchers           VoucherRepository
	Orders             CommerceOrderRepository
	AuditLogs          AuditLogRepository
	Emails             EmailQueueRepository
	Reminders          ReminderRepository
	RoleMappings       RoleMappingRepository
	Consents           ConsentRepository
	BulkJobs           BulkUploadJobRepository
}

func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Users:              NewUserRepository(db),
		Roles:              NewRoleRepository(db),
		Permissions:        NewPermissionRepository(db),
		Credentials:        NewLocalCredentialRepository(db),
		Sessions:           NewSessionRepository(db),
		VerificationTokens: NewVerificationTokenRepository(db),
		Partners:           NewPartnerRepository(db),
		Certifications:     NewCertificationRepository(db),
		Sequences:          NewCredentialSequenceRepository(db),
		Certificates:       NewCertificateRepository(db),
		Schedules:          NewExamScheduleRepository(db),
		Bookings:           NewExamBookingRepository(db),
		Vouchers:           NewVoucherRepository(db),
		Orders:             NewCommerceOrderRepository(db),
		AuditLogs:          NewAuditLogRepository(db),
		Emails:             NewEmailQueueRepository(db),
		Reminders:          NewReminderRepository(db),
		RoleMappings:       NewRoleMappingRepository(db),
		Consents:           NewConsentRepository(db),
		BulkJobs:           NewBulkUploadJobRepository(db),
	}
}

// Transactor runs fn against repositories that share one transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(repos *Repositories) error) error
}

type GormTransactor struct{ db *gorm.DB }

func NewTransactor(db *gorm.DB) Transactor { return &GormTransactor{db: db} }

func (t *GormTransactor) WithinTx(ctx context.Context, fn func(repos *Repositories) error) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewRepositories(tx))
	})
}
