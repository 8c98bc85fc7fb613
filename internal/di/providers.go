package di

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/bda-association/bda-portal/internal/app"
	"github.com/bda-association/bda-portal/internal/config"
	"github.com/bda-association/bda-portal/internal/database"
	"github.com/bda-association/bda-portal/internal/events"
	"github.com/bda-association/bda-portal/internal/health"
	"github.com/bda-association/bda-portal/internal/http/handler"
	"github.com/bda-association/bda-portal/internal/http/middleware"
	"github.com/bda-association/bda-portal/internal/http/router"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/repository"
	"github.com/bda-association/bda-portal/internal/security"
	"github.com/bda-association/bda-portal/internal/service"
	"github.com/bda-association/bda-portal/internal/worker"
)

const (
	permissionCacheTTL  = 5 * time.Minute
	catalogCacheTTL     = 10 * time.Minute
	idempotencyTTL      = 24 * time.Hour
	readinessTimeout    = 2 * time.Second
	readinessGrace      = 0
	idempotencyCleanup  = 5 * time.Minute
	idempotencyBatch    = 500
	legacyClientTimeout = 10 * time.Second
)

// GlobalRateLimiterFunc and AuthRateLimiterFunc keep the two limiters
// distinct in the injector graph.
type (
	GlobalRateLimiterFunc func(http.Handler) http.Handler
	AuthRateLimiterFunc   func(http.Handler) http.Handler
)

var ConfigSet = wire.NewSet(config.Load)

var ObservabilitySet = wire.NewSet(
	provideObservabilityRuntime,
	provideAppLogger,
)

var RuntimeInfraSet = wire.NewSet(
	provideRuntimeDB,
	provideRedisClient,
	provideObjectStorage,
	provideEventPublisher,
	provideReadinessProbeRunner,
)

var RepositorySet = wire.NewSet(
	repository.NewRepositories,
	repository.NewTransactor,
)

var SecuritySet = wire.NewSet(
	provideJWTManager,
	provideLegacyTokenVerifier,
)

var IntegrationSet = wire.NewSet(
	provideMailer,
	provideLegacyAuthClient,
	provideCommerceClient,
	provideLoginThrottle,
	provideResponseCache,
	provideVerificationCache,
)

var ServiceSet = wire.NewSet(
	service.NewRBACService,
	providePermissionResolver,
	provideTokenService,
	provideAuditService,
	provideEmailService,
	provideRoleMappingService,
	providePartnerService,
	provideConsentService,
	provideUserService,
	provideAuthService,
	provideInviteService,
	provideCertificationService,
	service.NewVoucherService,
	service.NewExamService,
	provideReminderService,
	provideCommerceService,
	provideBulkService,
	service.NewDBIdempotencyStore,
)

var HTTPSet = wire.NewSet(
	provideAuthHandler,
	provideUserHandler,
	provideExamHandler,
	provideVoucherHandler,
	provideCertificateHandler,
	provideAdminHandler,
	provideCommerceHandler,
	provideGlobalRateLimiter,
	provideAuthRateLimiter,
	provideIdempotencyFactory,
	provideRouterDependencies,
	router.NewRouter,
	provideHTTPServer,
)

var WorkerSet = wire.NewSet(provideWorkerRunner)

var AppSet = wire.NewSet(provideApp)

var ToolkitSet = wire.NewSet(provideToolkit)

// Toolkit is the service graph used by the command line tools. It has no
// HTTP surface.
type Toolkit struct {
	Config        *config.Config
	Logger        *slog.Logger
	Observability *observability.Runtime
	DB            *gorm.DB
	Redis         redis.UniversalClient
	Events        service.EventPublisher
	Workers       *worker.Runner
	Bulk          *service.BulkService
}

// Close shuts the graph down in reverse dependency order.
func (t *Toolkit) Close(ctx context.Context) {
	if t.Events != nil {
		_ = t.Events.Close()
	}
	if t.Redis != nil {
		_ = t.Redis.Close()
	}
	if t.DB != nil {
		if sqlDB, err := t.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if t.Observability != nil {
		if err := t.Observability.Shutdown(ctx); err != nil {
			t.Logger.Error("failed to shutdown observability", "error", err)
		}
	}
}

func provideToolkit(
	cfg *config.Config,
	logger *slog.Logger,
	runtime *observability.Runtime,
	db *gorm.DB,
	redisClient redis.UniversalClient,
	publisher service.EventPublisher,
	workers *worker.Runner,
	bulk *service.BulkService,
) *Toolkit {
	return &Toolkit{
		Config:        cfg,
		Logger:        logger,
		Observability: runtime,
		DB:            db,
		Redis:         redisClient,
		Events:        publisher,
		Workers:       workers,
		Bulk:          bulk,
	}
}

func provideObservabilityRuntime(cfg *config.Config) (*observability.Runtime, error) {
	bootstrapLogger := observability.NewBootstrapLogger(cfg)
	return observability.InitRuntime(context.Background(), cfg, bootstrapLogger)
}

func provideAppLogger(cfg *config.Config, runtime *observability.Runtime) *slog.Logger {
	return observability.InitLogger(cfg, runtime.LoggerProvider)
}

func provideRuntimeDB(cfg *config.Config) (*gorm.DB, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, err
	}
	if err := database.Seed(db, cfg.BootstrapAdminEmail); err != nil {
		return nil, err
	}
	return db, nil
}

func provideRedisClient(cfg *config.Config, logger *slog.Logger) redis.UniversalClient {
	if !cfg.RedisEnabled {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	observability.InstrumentRedisClient(client, logger)
	return client
}

func provideObjectStorage(cfg *config.Config) (service.ObjectStorage, error) {
	if !cfg.StorageEnabled {
		return service.DisabledStorage{}, nil
	}
	store, err := service.NewMinIOStorageService(cfg.StorageEndpoint, cfg.StorageAccessKey, cfg.StorageSecretKey, cfg.StorageBucket, cfg.StorageUseSSL)
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}
	return store, nil
}

func provideEventPublisher(cfg *config.Config, logger *slog.Logger) service.EventPublisher {
	if !cfg.EventsEnabled {
		return events.NoopPublisher{}
	}
	return events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
}

func provideMailer(cfg *config.Config, logger *slog.Logger) service.Mailer {
	if cfg.EmailProvider == "sendgrid" {
		return service.NewSendgridMailer(cfg.SendgridAPIKey, cfg.EmailFromName, cfg.EmailFromAddress)
	}
	return service.NewLogMailer(logger)
}

func provideJWTManager(cfg *config.Config) *security.JWTManager {
	return security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTAccessSecret, cfg.JWTRefreshSecret)
}

func provideLegacyTokenVerifier(cfg *config.Config) *security.LegacyTokenVerifier {
	if !cfg.LegacyAuthEnabled {
		return nil
	}
	return security.NewLegacyTokenVerifier(cfg.LegacyAuthSecret, cfg.LegacyAuthIssuer)
}

func provideLegacyAuthClient(cfg *config.Config) service.LegacyAuthClient {
	if !cfg.LegacyAuthEnabled {
		return nil
	}
	return service.NewHTTPLegacyAuthClient(cfg.LegacyAuthBaseURL, cfg.LegacyAuthClientID, &http.Client{Timeout: legacyClientTimeout})
}

func provideCommerceClient(cfg *config.Config) service.CommerceClient {
	if !cfg.CommerceEnabled {
		return nil
	}
	return service.NewHTTPCommerceClient(context.Background(), cfg.CommerceBaseURL, cfg.CommerceTokenURL, cfg.CommerceClientID, cfg.CommerceClientSecret)
}

func provideLoginThrottle(cfg *config.Config, redisClient redis.UniversalClient) service.LoginThrottle {
	if cfg.RedisEnabled && redisClient != nil {
		return service.NewRedisLoginThrottle(redisClient, cfg.RedisKeyPrefix, service.DefaultThrottlePolicy())
	}
	return service.NewMemoryLoginThrottle(service.DefaultThrottlePolicy())
}

func provideResponseCache(cfg *config.Config, redisClient redis.UniversalClient) service.ResponseCache {
	if cfg.RedisEnabled && redisClient != nil {
		return service.NewRedisResponseCache(redisClient, cfg.RedisKeyPrefix)
	}
	return service.NewMemoryResponseCache()
}

func provideVerificationCache(cfg *config.Config, redisClient redis.UniversalClient) service.VerificationCache {
	if cfg.RedisEnabled && redisClient != nil {
		return service.NewRedisVerificationCache(redisClient, cfg.RedisKeyPrefix)
	}
	return service.NoopVerificationCache{}
}

func providePermissionResolver(repos *repository.Repositories, rbac *service.RBACService) service.PermissionResolver {
	return service.NewCachedPermissionResolver(repos.Roles, rbac, permissionCacheTTL)
}

func provideTokenService(cfg *config.Config, jwt *security.JWTManager, repos *repository.Repositories, resolver service.PermissionResolver) *service.TokenService {
	return service.NewTokenService(jwt, repos.Sessions, resolver, cfg.RefreshTokenPepper, cfg.JWTAccessTTL, cfg.JWTRefreshTTL)
}

func provideAuditService(repos *repository.Repositories, logger *slog.Logger) *service.AuditService {
	return service.NewAuditService(repos.AuditLogs, logger)
}

func provideEmailService(cfg *config.Config, repos *repository.Repositories, mailer service.Mailer, audit *service.AuditService, logger *slog.Logger) (*service.EmailService, error) {
	return service.NewEmailService(service.EmailServiceConfig{
		PublicBaseURL: cfg.PublicBaseURL,
		SubjectPrefix: cfg.EmailSubjectPrefix,
		MaxAttempts:   cfg.EmailMaxAttempts,
		BatchSize:     cfg.WorkerBatchSize,
	}, repos.Emails, mailer, audit, logger)
}

func provideRoleMappingService(repos *repository.Repositories, audit *service.AuditService) *service.RoleMappingService {
	return service.NewRoleMappingService(repos.RoleMappings, audit)
}

func providePartnerService(repos *repository.Repositories, audit *service.AuditService) *service.PartnerService {
	return service.NewPartnerService(repos.Partners, audit)
}

func provideConsentService(repos *repository.Repositories) *service.ConsentService {
	return service.NewConsentService(repos.Consents)
}

func provideUserService(repos *repository.Repositories, resolver service.PermissionResolver, tokens *service.TokenService, cache service.ResponseCache, audit *service.AuditService) *service.UserService {
	return service.NewUserService(repos, resolver, tokens, cache, audit)
}

func provideAuthService(
	cfg *config.Config,
	tx repository.Transactor,
	repos *repository.Repositories,
	tokens *service.TokenService,
	roleMap *service.RoleMappingService,
	legacy service.LegacyAuthClient,
	verifier *security.LegacyTokenVerifier,
	emails *service.EmailService,
	throttle service.LoginThrottle,
	audit *service.AuditService,
	logger *slog.Logger,
) *service.AuthService {
	return service.NewAuthService(
		service.AuthServiceConfig{BootstrapAdminEmail: cfg.BootstrapAdminEmail, LegacyAuthEnabled: cfg.LegacyAuthEnabled},
		tx, repos.Users, repos.Credentials, tokens, roleMap, legacy, verifier, emails, throttle, audit, logger,
	)
}

func provideInviteService(
	cfg *config.Config,
	tx repository.Transactor,
	repos *repository.Repositories,
	tokens *service.TokenService,
	emails *service.EmailService,
	throttle service.LoginThrottle,
	audit *service.AuditService,
	logger *slog.Logger,
) *service.InviteService {
	return service.NewInviteService(service.InviteServiceConfig{
		PublicBaseURL: cfg.PublicBaseURL,
		InviteTTL:     cfg.InviteTTL,
		MagicLinkTTL:  cfg.MagicLinkTTL,
		TokenPepper:   cfg.RefreshTokenPepper,
	}, tx, repos, tokens, emails, throttle, audit, logger)
}

func provideCertificationService(
	cfg *config.Config,
	tx repository.Transactor,
	repos *repository.Repositories,
	emails *service.EmailService,
	storage service.ObjectStorage,
	verifyCache service.VerificationCache,
	catalog service.ResponseCache,
	publisher service.EventPublisher,
	audit *service.AuditService,
	logger *slog.Logger,
) *service.CertificationService {
	return service.NewCertificationService(service.CertificationServiceConfig{
		PublicBaseURL:   cfg.PublicBaseURL,
		VerifyCacheTTL:  cfg.VerifyCacheTTL,
		DownloadURLTTL:  cfg.StorageURLTTL,
		CatalogCacheTTL: catalogCacheTTL,
	}, tx, repos, emails, storage, verifyCache, catalog, publisher, audit, logger)
}

func provideReminderService(
	cfg *config.Config,
	tx repository.Transactor,
	repos *repository.Repositories,
	emails *service.EmailService,
	certs *service.CertificationService,
	vouchers *service.VoucherService,
	logger *slog.Logger,
) *service.ReminderService {
	return service.NewReminderService(tx, repos, emails, certs, vouchers, cfg.WorkerBatchSize, logger)
}

func provideCommerceService(
	cfg *config.Config,
	client service.CommerceClient,
	tx repository.Transactor,
	repos *repository.Repositories,
	emails *service.EmailService,
	publisher service.EventPublisher,
	audit *service.AuditService,
	logger *slog.Logger,
) *service.CommerceService {
	return service.NewCommerceService(service.CommerceServiceConfig{
		Enabled:       cfg.CommerceEnabled,
		WebhookSecret: cfg.CommerceWebhookSecret,
		SKUMap:        cfg.CommerceSKUMap,
	}, client, tx, repos, emails, publisher, audit, logger)
}

func provideBulkService(
	repos *repository.Repositories,
	invites *service.InviteService,
	roleMap *service.RoleMappingService,
	storage service.ObjectStorage,
	audit *service.AuditService,
	logger *slog.Logger,
) *service.BulkService {
	return service.NewBulkService(repos.BulkJobs, invites, roleMap, storage, audit, logger)
}

func provideAuthHandler(authSvc *service.AuthService, inviteSvc *service.InviteService) *handler.AuthHandler {
	return handler.NewAuthHandler(authSvc, inviteSvc)
}

func provideUserHandler(
	userSvc *service.UserService,
	consentSvc *service.ConsentService,
	certSvc *service.CertificationService,
	examSvc *service.ExamService,
	voucherSvc *service.VoucherService,
) *handler.UserHandler {
	return handler.NewUserHandler(userSvc, consentSvc, certSvc, examSvc, voucherSvc)
}

func provideExamHandler(examSvc *service.ExamService) *handler.ExamHandler {
	return handler.NewExamHandler(examSvc)
}

func provideVoucherHandler(voucherSvc *service.VoucherService) *handler.VoucherHandler {
	return handler.NewVoucherHandler(voucherSvc)
}

func provideCertificateHandler(certSvc *service.CertificationService) *handler.CertificateHandler {
	return handler.NewCertificateHandler(certSvc)
}

func provideAdminHandler(
	cfg *config.Config,
	userSvc *service.UserService,
	inviteSvc *service.InviteService,
	bulkSvc *service.BulkService,
	roleMappingSvc *service.RoleMappingService,
	partnerSvc *service.PartnerService,
	auditSvc *service.AuditService,
	emailSvc *service.EmailService,
	commerceSvc *service.CommerceService,
) *handler.AdminHandler {
	return handler.NewAdminHandler(userSvc, inviteSvc, bulkSvc, roleMappingSvc, partnerSvc, auditSvc, emailSvc, commerceSvc, cfg.MaxUploadBytes)
}

func provideCommerceHandler(commerceSvc *service.CommerceService) *handler.CommerceHandler {
	return handler.NewCommerceHandler(commerceSvc)
}

func provideGlobalRateLimiter(cfg *config.Config, redisClient redis.UniversalClient) GlobalRateLimiterFunc {
	if cfg.RedisEnabled && redisClient != nil {
		redisLimiter := middleware.NewRedisFixedWindowLimiter(redisClient, cfg.RedisKeyPrefix)
		return middleware.NewDistributedRateLimiter(
			redisLimiter,
			cfg.APIRateLimitPerMin,
			time.Minute,
			middleware.FailLocal,
			"api",
		).WithKeyFunc(middleware.SubjectOrIPKey).Middleware()
	}
	return middleware.NewRateLimiter(cfg.APIRateLimitPerMin, time.Minute, "api").
		WithKeyFunc(middleware.SubjectOrIPKey).Middleware()
}

func provideAuthRateLimiter(cfg *config.Config, redisClient redis.UniversalClient) AuthRateLimiterFunc {
	if cfg.RedisEnabled && redisClient != nil {
		redisLimiter := middleware.NewRedisFixedWindowLimiter(redisClient, cfg.RedisKeyPrefix)
		return middleware.NewDistributedRateLimiter(
			redisLimiter,
			cfg.AuthRateLimitPerMin,
			time.Minute,
			middleware.FailClosed,
			"auth",
		).Middleware()
	}
	return middleware.NewRateLimiter(cfg.AuthRateLimitPerMin, time.Minute, "auth").Middleware()
}

func provideIdempotencyFactory(store *service.DBIdempotencyStore, logger *slog.Logger) router.IdempotencyMiddlewareFactory {
	return middleware.NewIdempotencyMiddleware(store, idempotencyTTL, logger).Middleware
}

func provideRouterDependencies(
	authHandler *handler.AuthHandler,
	userHandler *handler.UserHandler,
	examHandler *handler.ExamHandler,
	voucherHandler *handler.VoucherHandler,
	certificateHandler *handler.CertificateHandler,
	adminHandler *handler.AdminHandler,
	commerceHandler *handler.CommerceHandler,
	jwt *security.JWTManager,
	rbac *service.RBACService,
	resolver service.PermissionResolver,
	globalRateLimiter GlobalRateLimiterFunc,
	authRateLimiter AuthRateLimiterFunc,
	idempotency router.IdempotencyMiddlewareFactory,
	readiness *health.ProbeRunner,
	cfg *config.Config,
) router.Dependencies {
	dep := router.Dependencies{
		AuthHandler:        authHandler,
		UserHandler:        userHandler,
		ExamHandler:        examHandler,
		VoucherHandler:     voucherHandler,
		CertificateHandler: certificateHandler,
		AdminHandler:       adminHandler,
		CommerceHandler:    commerceHandler,
		PermissionResolver: resolver,
		CORSOrigins:        cfg.CORSAllowedOrigins,
		AuthRateLimitRPM:   cfg.AuthRateLimitPerMin,
		APIRateLimitRPM:    cfg.APIRateLimitPerMin,
		MaxUploadBytes:     cfg.MaxUploadBytes,
		GlobalRateLimiter:  globalRateLimiter,
		AuthRateLimiter:    authRateLimiter,
		Idempotency:        idempotency,
		Readiness:          readiness,
		EnableOTelHTTP:     cfg.OTELMetricsEnabled || cfg.OTELTracingEnabled,
	}
	if jwt != nil {
		dep.TokenParser = jwt
	}
	if rbac != nil {
		dep.RBACService = rbac
	}
	return dep
}

func provideHTTPServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           h,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// schemaTables must exist before the API reports ready.
var schemaTables = []string{"users", "sessions", "certificates", "exam_bookings", "email_queue"}

func provideReadinessProbeRunner(cfg *config.Config, db *gorm.DB, redisClient redis.UniversalClient, storage service.ObjectStorage) *health.ProbeRunner {
	checkers := []health.Checker{health.NewDBChecker(db, schemaTables...)}
	if cfg.RedisEnabled {
		checkers = append(checkers, health.NewRedisChecker(redisClient))
	}
	if minio, ok := storage.(*service.MinIOStorageService); ok {
		checkers = append(checkers, health.NewDegradedPingChecker("object_storage", minio))
	}
	return health.NewProbeRunner(readinessTimeout, readinessGrace, checkers...)
}

func provideWorkerRunner(
	cfg *config.Config,
	emails *service.EmailService,
	reminders *service.ReminderService,
	commerce *service.CommerceService,
	idempotency *service.DBIdempotencyStore,
	certs *service.CertificationService,
	logger *slog.Logger,
) *worker.Runner {
	deps := worker.Deps{
		Emails:         emails,
		Reminders:      reminders,
		Commerce:       commerce,
		Idempotency:    idempotency,
		Certifications: certs,
	}
	if cfg.EventsEnabled {
		deps.Consumer = events.NewConsumer(cfg.AMQPURL, cfg.AMQPExchange, events.CertificateRenderingQueue,
			[]string{events.CertificateIssued}, logger)
	}
	jobs := worker.PortalJobs(worker.Settings{
		EmailInterval:    cfg.EmailPollInterval,
		ReminderInterval: cfg.ReminderPollInterval,
		CommerceInterval: cfg.CommerceSyncInterval,
		CleanupInterval:  idempotencyCleanup,
		CleanupBatch:     idempotencyBatch,
		CommerceEnabled:  cfg.CommerceEnabled,
	}, deps, logger)
	return worker.NewRunner(logger, jobs...)
}

func provideApp(
	cfg *config.Config,
	logger *slog.Logger,
	server *http.Server,
	runtime *observability.Runtime,
	db *gorm.DB,
	redisClient redis.UniversalClient,
	publisher service.EventPublisher,
	readiness *health.ProbeRunner,
	workers *worker.Runner,
) *app.App {
	return app.New(cfg, logger, server, runtime, db, redisClient, publisher, readiness, workers)
}
