package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bda-association/bda-portal/internal/database"
	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/events"
	"github.com/bda-association/bda-portal/internal/health"
	"github.com/bda-association/bda-portal/internal/http/handler"
	"github.com/bda-association/bda-portal/internal/http/middleware"
	"github.com/bda-association/bda-portal/internal/http/router"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/repository"
	"github.com/bda-association/bda-portal/internal/security"
	"github.com/bda-association/bda-portal/internal/service"
)

const (
	adminEmail    = "admin@bda.test"
	adminPassword = "AdminPass2026"
	tokenPepper   = "integration-pepper-0123456789"
	portalBaseURL = "https://portal.test"
)

var magicLinkPattern = regexp.MustCompile(`/auth/magic\?token=([A-Za-z0-9%_\-\.~]+)`)

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// captureMailer records every delivered message.
type captureMailer struct {
	mu   sync.Mutex
	sent []service.EmailMessage
}

func (m *captureMailer) Send(_ context.Context, msg service.EmailMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *captureMailer) To(email string) []service.EmailMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []service.EmailMessage
	for _, msg := range m.sent {
		if strings.EqualFold(msg.ToEmail, email) {
			out = append(out, msg)
		}
	}
	return out
}

type portalServerOptions struct {
	authRateLimitRPM int
	storage          service.ObjectStorage
}

type portalEnv struct {
	baseURL string
	client  *http.Client
	db      *gorm.DB
	redis   *miniredis.Miniredis
	mailer  *captureMailer
	emails  *service.EmailService
	certs   *service.CertificationService
}

func newPortalServer(t *testing.T) *portalEnv {
	return newPortalServerWithOptions(t, portalServerOptions{})
}

func newPortalServerWithOptions(t *testing.T, opts portalServerOptions) *portalEnv {
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
	if err := database.Seed(db, adminEmail); err != nil {
		t.Fatalf("seed: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })
	const prefix = "bda_it"

	log := observability.DiscardLogger()
	repos := repository.NewRepositories(db)
	tx := repository.NewTransactor(db)
	mailer := &captureMailer{}
	publisher := events.NoopPublisher{}
	storage := opts.storage
	if storage == nil {
		storage = service.DisabledStorage{}
	}

	rbac := service.NewRBACService()
	resolver := service.NewCachedPermissionResolver(repos.Roles, rbac, time.Minute)
	jwtMgr := security.NewJWTManager("bda-it", "bda-portal", strings.Repeat("a", 32), strings.Repeat("b", 32))
	tokens := service.NewTokenService(jwtMgr, repos.Sessions, resolver, tokenPepper, 15*time.Minute, 24*time.Hour)
	audit := service.NewAuditService(repos.AuditLogs, log)
	emails, err := service.NewEmailService(service.EmailServiceConfig{PublicBaseURL: portalBaseURL, MaxAttempts: 3, BatchSize: 50}, repos.Emails, mailer, audit, log)
	if err != nil {
		t.Fatalf("email service: %v", err)
	}
	throttle := service.NewRedisLoginThrottle(redisClient, prefix, service.DefaultThrottlePolicy())
	responseCache := service.NewRedisResponseCache(redisClient, prefix)
	roleMap := service.NewRoleMappingService(repos.RoleMappings, audit)

	authSvc := service.NewAuthService(service.AuthServiceConfig{BootstrapAdminEmail: adminEmail}, tx, repos.Users, repos.Credentials,
		tokens, roleMap, nil, nil, emails, throttle, audit, log)
	inviteSvc := service.NewInviteService(service.InviteServiceConfig{PublicBaseURL: portalBaseURL, TokenPepper: tokenPepper},
		tx, repos, tokens, emails, throttle, audit, log)
	userSvc := service.NewUserService(repos, resolver, tokens, responseCache, audit)
	certSvc := service.NewCertificationService(service.CertificationServiceConfig{PublicBaseURL: portalBaseURL},
		tx, repos, emails, storage, service.NewRedisVerificationCache(redisClient, prefix), responseCache, publisher, audit, log)
	voucherSvc := service.NewVoucherService(tx, repos, emails, publisher, audit, log)
	examSvc := service.NewExamService(tx, repos, voucherSvc, certSvc, emails, publisher, audit, log)
	bulkSvc := service.NewBulkService(repos.BulkJobs, inviteSvc, roleMap, storage, audit, log)
	commerceSvc := service.NewCommerceService(service.CommerceServiceConfig{}, nil, tx, repos, emails, publisher, audit, log)

	authRPM := opts.authRateLimitRPM
	if authRPM <= 0 {
		authRPM = 1000
	}
	h := router.NewRouter(router.Dependencies{
		AuthHandler:        handler.NewAuthHandler(authSvc, inviteSvc),
		UserHandler:        handler.NewUserHandler(userSvc, service.NewConsentService(repos.Consents), certSvc, examSvc, voucherSvc),
		ExamHandler:        handler.NewExamHandler(examSvc),
		VoucherHandler:     handler.NewVoucherHandler(voucherSvc),
		CertificateHandler: handler.NewCertificateHandler(certSvc),
		AdminHandler: handler.NewAdminHandler(userSvc, inviteSvc, bulkSvc, roleMap, service.NewPartnerService(repos.Partners, audit),
			audit, emails, commerceSvc, 2<<20),
		CommerceHandler:    handler.NewCommerceHandler(commerceSvc),
		TokenParser:        jwtMgr,
		RBACService:        rbac,
		PermissionResolver: resolver,
		AuthRateLimitRPM:   authRPM,
		APIRateLimitRPM:    1000,
		Idempotency:        middleware.NewIdempotencyMiddleware(service.NewDBIdempotencyStore(db), time.Hour, log).Middleware,
		Readiness:          health.NewProbeRunner(time.Second, 0, health.NewDBChecker(db, "users", "certificates"), health.NewRedisChecker(redisClient)),
	})

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &portalEnv{
		baseURL: srv.URL,
		client:  srv.Client(),
		db:      db,
		redis:   mr,
		mailer:  mailer,
		emails:  emails,
		certs:   certSvc,
	}
}

func (e *portalEnv) url(path string) string {
	return e.baseURL + path
}

// flushEmails runs one email worker tick.
func (e *portalEnv) flushEmails(t *testing.T) {
	t.Helper()
	if _, err := e.emails.ProcessDue(context.Background()); err != nil {
		t.Fatalf("process emails: %v", err)
	}
}

// magicToken returns the token from the latest invite or magic link sent to
// email.
func (e *portalEnv) magicToken(t *testing.T, email string) string {
	t.Helper()
	e.flushEmails(t)
	msgs := e.mailer.To(email)
	for i := len(msgs) - 1; i >= 0; i-- {
		m := magicLinkPattern.FindStringSubmatch(msgs[i].TextBody)
		if m == nil {
			continue
		}
		token, err := url.QueryUnescape(m[1])
		if err != nil {
			t.Fatalf("unescape token: %v", err)
		}
		return token
	}
	t.Fatalf("no magic link sent to %s (%d messages)", email, len(msgs))
	return ""
}

type session struct {
	UserID       uint
	Role         string
	AccessToken  string
	RefreshToken string
}

func (s session) bearer() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.AccessToken}
}

type authPayload struct {
	User struct {
		ID     uint   `json:"id"`
		Email  string `json:"email"`
		Role   string `json:"role"`
		Status string `json:"status"`
	} `json:"user"`
	Tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	} `json:"tokens"`
}

func decodeSession(t *testing.T, env apiEnvelope) session {
	t.Helper()
	var p authPayload
	decodeData(t, env, &p)
	if p.Tokens.AccessToken == "" || p.Tokens.RefreshToken == "" {
		t.Fatal("expected token pair in auth response")
	}
	return session{UserID: p.User.ID, Role: p.User.Role, AccessToken: p.Tokens.AccessToken, RefreshToken: p.Tokens.RefreshToken}
}

func (e *portalEnv) register(t *testing.T, email, password string) session {
	t.Helper()
	resp, env := doJSON(t, e.client, http.MethodPost, e.url("/api/v1/auth/register"), map[string]any{
		"email":          email,
		"password":       password,
		"first_name":     "Grace",
		"last_name":      "Hopper",
		"accept_terms":   true,
		"accept_privacy": true,
	}, nil)
	if resp.StatusCode != http.StatusCreated || !env.Success {
		t.Fatalf("register %s: status=%d error=%+v", email, resp.StatusCode, env.Error)
	}
	return decodeSession(t, env)
}

func (e *portalEnv) login(t *testing.T, email, password string) session {
	t.Helper()
	resp, env := doJSON(t, e.client, http.MethodPost, e.url("/api/v1/auth/login"), map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("login %s: status=%d error=%+v", email, resp.StatusCode, env.Error)
	}
	return decodeSession(t, env)
}

func (e *portalEnv) admin(t *testing.T) session {
	t.Helper()
	s := e.register(t, adminEmail, adminPassword)
	if s.Role != domain.RoleAdmin {
		t.Fatalf("expected bootstrap admin role, got %q", s.Role)
	}
	return s
}

func decodeData(t *testing.T, env apiEnvelope, out any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("decode data %s: %v", string(env.Data), err)
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, apiEnvelope) {
	t.Helper()
	resp, raw := doRaw(t, client, method, url, body, headers)
	var env apiEnvelope
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &env)
	}
	return resp, env
}

func doRaw(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func withHeaders(base map[string]string, kv ...string) map[string]string {
	out := make(map[string]string, len(base)+len(kv)/2)
	for k, v := range base {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}
