package service

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrAccountDisabled      = errors.New("account is disabled")
	ErrAccountNotActivated  = errors.New("account has not been activated")
	ErrInvalidRefreshToken  = errors.New("invalid or expired refresh token")
	ErrRefreshTokenReused   = errors.New("refresh token reuse detected")
	ErrEmailTaken           = errors.New("email already registered")
	ErrForbidden            = errors.New("forbidden")
	ErrConsentRequired      = errors.New("terms and privacy consent are required")
	ErrLegacyAuthDisabled   = errors.New("legacy auth provider is disabled")
	ErrLegacyAuthRejected   = errors.New("legacy auth provider rejected the credentials")
	ErrUnknownRole          = errors.New("unknown role")
	ErrInvalidMagicLink     = errors.New("invalid or expired link")
	ErrPasswordRequired     = errors.New("a password is required to activate the account")
	ErrInviteNotPending     = errors.New("user has no pending invite")
	ErrCertificationClosed  = errors.New("certification is not active")
	ErrAlreadyCertified     = errors.New("user already holds an active certificate for this certification")
	ErrScheduleNotOpen      = errors.New("exam schedule is not open for booking")
	ErrAlreadyBooked        = errors.New("user already has a booking for this exam schedule")
	ErrBookingLocked        = errors.New("booking can no longer be changed")
	ErrResultTooEarly       = errors.New("exam result cannot be recorded before the exam starts")
	ErrVoucherRequired      = errors.New("a voucher code is required")
	ErrVoucherNotApplicable = errors.New("voucher is not valid for this exam")
	ErrPartnerRequired      = errors.New("user is not linked to a partner")
	ErrUnknownTemplate      = errors.New("unknown email template")
	ErrStorageDisabled      = errors.New("object storage is disabled")
	ErrCommerceDisabled     = errors.New("commerce integration is disabled")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrUnsupportedFile      = errors.New("unsupported file type, expected .csv or .xlsx")
)

// ValidationError carries per-field messages for a rejected request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func fieldError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// validateStruct runs the validator tags on v and converts failures into a
// ValidationError.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		out.Fields[fe.Field()] = describeFieldError(fe)
	}
	return out
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	default:
		return "is invalid"
	}
}
