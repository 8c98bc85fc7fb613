package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/bda-association/bda-portal/internal/http/response"
	"github.com/bda-association/bda-portal/internal/repository"
	"github.com/bda-association/bda-portal/internal/service"
)

type errorMapping struct {
	status int
	code   string
	errs   []error
}

var errorMappings = []errorMapping{
	{http.StatusUnauthorized, "UNAUTHORIZED", []error{
		service.ErrInvalidCredentials, service.ErrInvalidRefreshToken, service.ErrRefreshTokenReused,
		service.ErrInvalidMagicLink, service.ErrLegacyAuthRejected, service.ErrInvalidSignature,
	}},
	{http.StatusForbidden, "FORBIDDEN", []error{
		service.ErrAccountDisabled, service.ErrAccountNotActivated, service.ErrForbidden,
	}},
	{http.StatusNotFound, "NOT_FOUND", []error{
		repository.ErrUserNotFound, repository.ErrPartnerNotFound, repository.ErrCertificationNotFound,
		repository.ErrCertificateNotFound, repository.ErrScheduleNotFound, repository.ErrBookingNotFound,
		repository.ErrVoucherNotFound, repository.ErrRoleMappingNotFound, repository.ErrRoleNotFound,
		repository.ErrEmailNotFound, repository.ErrBulkJobNotFound, repository.ErrOrderNotFound,
	}},
	{http.StatusConflict, "CONFLICT", []error{
		service.ErrEmailTaken, repository.ErrUserEmailTaken, repository.ErrPartnerNameTaken,
		repository.ErrCertificationCodeTaken, repository.ErrVoucherCodeTaken,
		service.ErrAlreadyCertified, service.ErrAlreadyBooked, service.ErrBookingLocked,
		service.ErrInviteNotPending, repository.ErrScheduleFull, repository.ErrScheduleStateConflict,
		repository.ErrBookingStateConflict, repository.ErrVoucherUnavailable,
		repository.ErrCertificateNotActive, repository.ErrEmailNotRetryable,
	}},
	{http.StatusUnprocessableEntity, "UNPROCESSABLE", []error{
		service.ErrScheduleNotOpen, service.ErrVoucherRequired, service.ErrVoucherNotApplicable,
		service.ErrCertificationClosed, service.ErrResultTooEarly, service.ErrPartnerRequired,
		service.ErrConsentRequired, service.ErrUnknownRole, service.ErrPasswordRequired,
		service.ErrUnsupportedFile, service.ErrUnknownTemplate,
	}},
	{http.StatusServiceUnavailable, "UNAVAILABLE", []error{
		service.ErrCommerceDisabled, service.ErrLegacyAuthDisabled, service.ErrStorageDisabled,
	}},
}

// writeServiceError translates service and repository errors into the API
// envelope. Unmapped errors are logged and reported as 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		response.Error(w, r, http.StatusBadRequest, "VALIDATION_FAILED", "request validation failed", verr.Fields)
		return
	}
	if te, ok := service.IsThrottled(err); ok {
		secs := max(int(te.RetryAfter.Seconds()+0.999), 1)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many attempts, try again later", nil)
		return
	}
	for _, m := range errorMappings {
		for _, target := range m.errs {
			if errors.Is(err, target) {
				response.Error(w, r, m.status, m.code, target.Error(), nil)
				return
			}
		}
	}
	slog.ErrorContext(r.Context(), "unhandled service error", "method", r.Method, "path", r.URL.Path, "error", err)
	response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal server error", nil)
}
