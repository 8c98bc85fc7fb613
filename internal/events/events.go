// Package events publishes and consumes portal domain events over AMQP.
package events

import "time"

const (
	BookingConfirmed   = "booking.confirmed"
	BookingCancelled   = "booking.cancelled"
	CertificateIssued  = "certificate.issued"
	CertificateRevoked = "certificate.revoked"
	VoucherAssigned    = "voucher.assigned"
)

// CertificateRenderingQueue receives certificate.issued so PDFs are
// rendered outside the request path.
const CertificateRenderingQueue = "bda.certificate-rendering"

type BookingEvent struct {
	BookingID         uint      `json:"booking_id"`
	ScheduleID        uint      `json:"schedule_id"`
	UserID            uint      `json:"user_id"`
	CertificationCode string    `json:"certification_code"`
	StartsAt          time.Time `json:"starts_at"`
	OccurredAt        time.Time `json:"occurred_at"`
}

type CertificateEvent struct {
	CertificateID uint      `json:"certificate_id"`
	CredentialID  string    `json:"credential_id"`
	UserID        uint      `json:"user_id"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type VoucherEvent struct {
	VoucherID      uint      `json:"voucher_id"`
	Code           string    `json:"code"`
	AssignedUserID uint      `json:"assigned_user_id"`
	OccurredAt     time.Time `json:"occurred_at"`
}
