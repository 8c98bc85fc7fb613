package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bda-association/bda-portal/internal/health"
	"github.com/bda-association/bda-portal/internal/http/handler"
	"github.com/bda-association/bda-portal/internal/http/middleware"
	"github.com/bda-association/bda-portal/internal/http/response"
	"github.com/bda-association/bda-portal/internal/service"
)

type Dependencies struct {
	AuthHandler        *handler.AuthHandler
	UserHandler        *handler.UserHandler
	ExamHandler        *handler.ExamHandler
	VoucherHandler     *handler.VoucherHandler
	CertificateHandler *handler.CertificateHandler
	AdminHandler       *handler.AdminHandler
	CommerceHandler    *handler.CommerceHandler
	TokenParser        middleware.AccessTokenParser
	RBACService        middleware.Authorizer
	PermissionResolver service.PermissionResolver
	CORSOrigins        []string
	AuthRateLimitRPM   int
	APIRateLimitRPM    int
	MaxBodyBytes       int64
	MaxUploadBytes     int64
	GlobalRateLimiter  func(http.Handler) http.Handler
	AuthRateLimiter    func(http.Handler) http.Handler
	Idempotency        IdempotencyMiddlewareFactory
	Readiness          *health.ProbeRunner
	EnableOTelHTTP     bool
}

type IdempotencyMiddlewareFactory func(scope string) func(http.Handler) http.Handler

func NewRouter(dep Dependencies) http.Handler {
	maxBody := dep.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestMeta)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(dep.CORSOrigins))

	globalLimiter := dep.GlobalRateLimiter
	if globalLimiter == nil {
		globalLimiter = middleware.NewRateLimiter(dep.APIRateLimitRPM, time.Minute, "api").Middleware()
	}
	authLimiter := dep.AuthRateLimiter
	if authLimiter == nil {
		authLimiter = middleware.NewRateLimiter(dep.AuthRateLimitRPM, time.Minute, "auth").Middleware()
	}
	idem := func(scope string) func(http.Handler) http.Handler {
		if dep.Idempotency == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return dep.Idempotency(scope)
	}
	authn := middleware.AuthMiddleware(dep.TokenParser)
	require := func(perm string) func(http.Handler) http.Handler {
		return middleware.RequirePermission(dep.RBACService, dep.PermissionResolver, perm)
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ready, results := dep.Readiness.Ready(r.Context())
		if results == nil {
			results = []health.CheckResult{}
		}
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Bulk uploads carry their own, larger limit.
		r.With(authn, require("users:manage"), globalLimiter).Post("/admin/users/bulk", dep.AdminHandler.BulkUpload)

		r.Group(func(r chi.Router) {
			r.Use(middleware.BodyLimit(maxBody))

			r.Route("/auth", func(r chi.Router) {
				r.Use(authLimiter)
				r.With(idem("auth.register")).Post("/register", dep.AuthHandler.Register)
				r.Post("/login", dep.AuthHandler.Login)
				r.Post("/legacy/login", dep.AuthHandler.LegacyLogin)
				r.Post("/refresh", dep.AuthHandler.Refresh)
				r.Post("/logout", dep.AuthHandler.Logout)
				r.Post("/magic-link", dep.AuthHandler.RequestMagicLink)
				r.Post("/magic-link/consume", dep.AuthHandler.ConsumeMagicLink)
			})

			r.Group(func(r chi.Router) {
				r.Use(globalLimiter)
				r.With(middleware.PublicCache(time.Minute)).Get("/verify/{credentialID}", dep.CertificateHandler.Verify)
				r.With(middleware.PublicCache(5*time.Minute)).Get("/certifications", dep.CertificateHandler.Catalog)
				r.Post("/commerce/webhook", dep.CommerceHandler.Webhook)
			})

			r.Group(func(r chi.Router) {
				r.Use(authn)
				r.Use(globalLimiter)

				r.Route("/me", func(r chi.Router) {
					r.Get("/", dep.UserHandler.Me)
					r.With(require("profile:read")).Get("/profile", dep.UserHandler.Profile)
					r.With(require("profile:write")).Patch("/profile", dep.UserHandler.UpdateProfile)
					r.With(require("profile:read")).Get("/profile/completion", dep.UserHandler.ProfileCompletion)
					r.With(require("profile:read")).Get("/dashboard", dep.UserHandler.Dashboard)
					r.With(require("profile:read")).Get("/consents", dep.UserHandler.Consents)
					r.With(require("profile:write")).Post("/consents", dep.UserHandler.RecordConsent)
					r.With(require("certificates:read")).Get("/certificates", dep.UserHandler.Certificates)
					r.With(require("certificates:read")).Get("/certificates/{credentialID}/pdf", dep.UserHandler.CertificatePDF)
					r.With(require("exams:read")).Get("/bookings", dep.UserHandler.Bookings)
					r.With(require("vouchers:read")).Get("/vouchers", dep.UserHandler.Vouchers)
				})

				r.Route("/exams", func(r chi.Router) {
					r.With(require("exams:read")).Get("/schedules", dep.ExamHandler.ListSchedules)
					r.With(require("exams:book"), idem("exams.book")).Post("/schedules/{id}/book", dep.ExamHandler.Book)
					r.With(require("exams:book")).Post("/bookings/{id}/cancel", dep.ExamHandler.CancelBooking)

					r.Group(func(r chi.Router) {
						r.Use(require("exams:manage"))
						r.With(idem("exams.schedule.create")).Post("/schedules", dep.ExamHandler.CreateSchedule)
						r.Post("/schedules/{id}/cancel", dep.ExamHandler.CancelSchedule)
						r.Get("/schedules/{id}/bookings", dep.ExamHandler.ScheduleBookings)
						r.With(idem("exams.result")).Post("/bookings/{id}/result", dep.ExamHandler.RecordResult)
					})
				})

				r.Route("/partner", func(r chi.Router) {
					r.Use(require("vouchers:assign"))
					r.Get("/vouchers", dep.VoucherHandler.List)
					r.With(idem("partner.vouchers.assign")).Post("/vouchers/assign", dep.VoucherHandler.Assign)
				})

				r.Route("/admin", func(r chi.Router) {
					r.With(require("users:read")).Get("/users", dep.AdminHandler.ListUsers)
					r.With(require("users:read")).Get("/users/bulk/template", dep.AdminHandler.BulkTemplate)
					r.With(require("users:read")).Get("/users/bulk/{jobID}", dep.AdminHandler.BulkJob)
					r.With(require("users:manage")).Get("/users/bulk/{jobID}/file", dep.AdminHandler.BulkSourceFile)
					r.Group(func(r chi.Router) {
						r.Use(require("users:manage"))
						r.With(idem("admin.users.create")).Post("/users", dep.AdminHandler.CreateUser)
						r.Post("/users/{id}/resend-invite", dep.AdminHandler.ResendInvite)
						r.Patch("/users/{id}/status", dep.AdminHandler.SetUserStatus)
						r.Patch("/users/{id}/role", dep.AdminHandler.SetUserRole)
					})

					r.Group(func(r chi.Router) {
						r.Use(require("rolemappings:manage"))
						r.Get("/roles", dep.AdminHandler.ListRoles)
						r.Get("/role-mappings", dep.AdminHandler.ListRoleMappings)
						r.Put("/role-mappings", dep.AdminHandler.UpsertRoleMapping)
						r.Delete("/role-mappings/{externalRole}", dep.AdminHandler.DeleteRoleMapping)
					})

					r.Group(func(r chi.Router) {
						r.Use(require("partners:manage"))
						r.Get("/partners", dep.AdminHandler.ListPartners)
						r.Get("/partners/{id}", dep.AdminHandler.GetPartner)
						r.Post("/partners", dep.AdminHandler.CreatePartner)
						r.Patch("/partners/{id}", dep.AdminHandler.UpdatePartner)
					})

					r.Group(func(r chi.Router) {
						r.Use(require("certifications:manage"))
						r.Get("/certifications", dep.CertificateHandler.AdminCatalog)
						r.Post("/certifications", dep.CertificateHandler.CreateCertification)
						r.Patch("/certifications/{id}", dep.CertificateHandler.UpdateCertification)
					})

					r.Group(func(r chi.Router) {
						r.Use(require("certificates:manage"))
						r.Get("/certificates", dep.CertificateHandler.List)
						r.With(idem("admin.certificates.issue")).Post("/certificates", dep.CertificateHandler.Issue)
						r.Post("/certificates/{credentialID}/revoke", dep.CertificateHandler.Revoke)
						r.Post("/certificates/{credentialID}/render", dep.CertificateHandler.Render)
					})

					r.Group(func(r chi.Router) {
						r.Use(require("vouchers:manage"))
						r.Get("/vouchers", dep.VoucherHandler.List)
						r.With(idem("admin.vouchers.batch")).Post("/vouchers/batch", dep.VoucherHandler.CreateBatch)
						r.Post("/vouchers/{code}/revoke", dep.VoucherHandler.Revoke)
					})

					r.With(require("audit:read")).Get("/audit-logs", dep.AdminHandler.ListAuditLogs)
					r.With(require("emails:manage")).Get("/emails", dep.AdminHandler.ListEmails)
					r.With(require("emails:manage")).Post("/emails/{id}/retry", dep.AdminHandler.RetryEmail)
					r.With(require("commerce:sync")).Post("/commerce/sync", dep.AdminHandler.SyncCommerce)
				})
			})
		})
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
