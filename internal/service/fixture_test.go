package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bda-association/bda-portal/internal/database"
	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/repository"
	"github.com/bda-association/bda-portal/internal/security"

	"go.uber.org/mock/gomock"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testPepper = "test-pepper-0123456789"

type publishedEvent struct {
	RoutingKey string
	Payload    any
}

// memoryStorage is an ObjectStorage backed by a map.
type memoryStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{objects: map[string][]byte{}}
}

func (m *memoryStorage) PutObject(_ context.Context, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

func (m *memoryStorage) GetObject(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return b, nil
}

func (m *memoryStorage) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://storage.test/" + key + "?signed=1", nil
}

type serviceFixture struct {
	t         *testing.T
	db        *gorm.DB
	repos     *repository.Repositories
	tx        repository.Transactor
	clock     time.Time
	mailer    *MockMailer
	publisher *MockEventPublisher
	published []publishedEvent
	storage   *memoryStorage
	audit     *AuditService
	emails    *EmailService
	resolver  *CachedPermissionResolver
	tokens    *TokenService
	roleMap   *RoleMappingService
	certs     *CertificationService
	vouchers  *VoucherService
	exams     *ExamService
	invites   *InviteService
	users     *UserService
	auth      *AuthService
	reminders *ReminderService
}

func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := database.Seed(db, ""); err != nil {
		t.Fatalf("seed: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	db := newServiceDB(t)
	ctrl := gomock.NewController(t)
	fx := &serviceFixture{
		t:         t,
		db:        db,
		repos:     repository.NewRepositories(db),
		tx:        repository.NewTransactor(db),
		clock:     time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		mailer:    NewMockMailer(ctrl),
		publisher: NewMockEventPublisher(ctrl),
		storage:   newMemoryStorage(),
	}
	fx.publisher.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, key string, payload any) error {
			fx.published = append(fx.published, publishedEvent{RoutingKey: key, Payload: payload})
			return nil
		}).AnyTimes()

	log := observability.DiscardLogger()
	fx.audit = NewAuditService(fx.repos.AuditLogs, log)
	emails, err := NewEmailService(EmailServiceConfig{PublicBaseURL: "https://portal.test", MaxAttempts: 3}, fx.repos.Emails, fx.mailer, fx.audit, log)
	if err != nil {
		t.Fatalf("email service: %v", err)
	}
	emails.policy.MaxAttempts = 1
	fx.emails = emails

	fx.resolver = NewCachedPermissionResolver(fx.repos.Roles, NewRBACService(), time.Minute)
	jwtMgr := security.NewJWTManager("bda-test", "bda-portal", strings.Repeat("a", 32), strings.Repeat("b", 32))
	fx.tokens = NewTokenService(jwtMgr, fx.repos.Sessions, fx.resolver, testPepper, 15*time.Minute, 24*time.Hour)
	fx.roleMap = NewRoleMappingService(fx.repos.RoleMappings, fx.audit)
	fx.certs = NewCertificationService(CertificationServiceConfig{PublicBaseURL: "https://portal.test"},
		fx.tx, fx.repos, fx.emails, fx.storage, nil, NewMemoryResponseCache(), fx.publisher, fx.audit, log)
	fx.vouchers = NewVoucherService(fx.tx, fx.repos, fx.emails, fx.publisher, fx.audit, log)
	fx.exams = NewExamService(fx.tx, fx.repos, fx.vouchers, fx.certs, fx.emails, fx.publisher, fx.audit, log)
	fx.invites = NewInviteService(InviteServiceConfig{PublicBaseURL: "https://portal.test", TokenPepper: testPepper},
		fx.tx, fx.repos, fx.tokens, fx.emails, nil, fx.audit, log)
	fx.users = NewUserService(fx.repos, fx.resolver, fx.tokens, NewMemoryResponseCache(), fx.audit)
	fx.auth = NewAuthService(AuthServiceConfig{BootstrapAdminEmail: "root@bda.test"}, fx.tx, fx.repos.Users, fx.repos.Credentials,
		fx.tokens, fx.roleMap, nil, nil, fx.emails, nil, fx.audit, log)
	fx.reminders = NewReminderService(fx.tx, fx.repos, fx.emails, fx.certs, fx.vouchers, 50, log)
	fx.setClock(fx.clock)
	return fx
}

// setClock moves every service to now.
func (fx *serviceFixture) setClock(now time.Time) {
	fx.clock = now
	clock := func() time.Time { return fx.clock }
	fx.emails.now = clock
	fx.tokens.now = clock
	fx.certs.now = clock
	fx.vouchers.now = clock
	fx.exams.now = clock
	fx.invites.now = clock
	fx.users.now = clock
	fx.auth.now = clock
	fx.reminders.now = clock
}

func (fx *serviceFixture) advance(d time.Duration) {
	fx.setClock(fx.clock.Add(d))
}

func (fx *serviceFixture) createUser(email, role string, partnerID *uint) *domain.User {
	fx.t.Helper()
	u := &domain.User{
		Email:     email,
		FirstName: "Ada",
		LastName:  "Lovelace",
		Role:      role,
		Status:    domain.UserStatusActive,
		PartnerID: partnerID,
	}
	if err := fx.db.Create(u).Error; err != nil {
		fx.t.Fatalf("create user %s: %v", email, err)
	}
	return u
}

func (fx *serviceFixture) createPartner(name, typ string) *domain.Partner {
	fx.t.Helper()
	p := &domain.Partner{Name: name, Type: typ, Status: domain.PartnerStatusActive}
	if err := fx.db.Create(p).Error; err != nil {
		fx.t.Fatalf("create partner %s: %v", name, err)
	}
	return p
}

func (fx *serviceFixture) certification(code string) *domain.Certification {
	fx.t.Helper()
	var c domain.Certification
	if err := fx.db.Where("code = ?", code).First(&c).Error; err != nil {
		fx.t.Fatalf("load certification %s: %v", code, err)
	}
	return &c
}

func (fx *serviceFixture) createSchedule(certID, partnerID uint, capacity int, startsAt time.Time) *domain.ExamSchedule {
	fx.t.Helper()
	s := &domain.ExamSchedule{
		CertificationID: certID,
		PartnerID:       partnerID,
		StartsAt:        startsAt,
		EndsAt:          startsAt.Add(2 * time.Hour),
		Mode:            domain.ExamModeOnline,
		Capacity:        capacity,
		Status:          domain.ScheduleStatusScheduled,
	}
	if err := fx.db.Create(s).Error; err != nil {
		fx.t.Fatalf("create schedule: %v", err)
	}
	return s
}

func (fx *serviceFixture) createVoucher(certID uint, quantity int, assignedTo *uint) *domain.Voucher {
	fx.t.Helper()
	v := &domain.Voucher{
		CertificationID: certID,
		AssignedUserID:  assignedTo,
		Quantity:        quantity,
		ValidFrom:       fx.clock.Add(-time.Hour),
		ValidUntil:      fx.clock.AddDate(1, 0, 0),
		Status:          domain.VoucherStatusActive,
	}
	if err := createVoucher(context.Background(), fx.repos.Vouchers, v); err != nil {
		fx.t.Fatalf("create voucher: %v", err)
	}
	return v
}

func (fx *serviceFixture) queuedEmails(template string) []domain.EmailQueueItem {
	fx.t.Helper()
	var items []domain.EmailQueueItem
	if err := fx.db.Where("template = ?", template).Order("id").Find(&items).Error; err != nil {
		fx.t.Fatalf("load queued emails: %v", err)
	}
	return items
}

func (fx *serviceFixture) publishedKeys() []string {
	keys := make([]string, 0, len(fx.published))
	for _, ev := range fx.published {
		keys = append(keys, ev.RoutingKey)
	}
	return keys
}

func actorFor(u *domain.User) Actor {
	return Actor{UserID: u.ID, Role: u.Role}
}
