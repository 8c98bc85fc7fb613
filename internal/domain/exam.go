package domain

import "time"

const (
	ExamModeOnline   = "online"
	ExamModeInPerson = "in_person"
)

const (
	ScheduleStatusScheduled = "scheduled"
	ScheduleStatusCancelled = "cancelled"
	ScheduleStatusCompleted = "completed"
)

type ExamSchedule struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	CertificationID uint           `gorm:"index;not null" json:"certification_id"`
	Certification   *Certification `json:"certification,omitempty"`
	PartnerID       uint           `gorm:"index;not null" json:"partner_id"`
	Partner         *Partner       `json:"partner,omitempty"`
	StartsAt        time.Time      `gorm:"not null;index" json:"starts_at"`
	EndsAt          time.Time      `gorm:"not null" json:"ends_at"`
	Location        string         `gorm:"size:255" json:"location"`
	Mode            string         `gorm:"size:16;not null" json:"mode"`
	Capacity        int            `gorm:"not null" json:"capacity"`
	BookedCount     int            `gorm:"not null;default:0" json:"booked_count"`
	Status          string         `gorm:"size:16;not null;default:scheduled;index" json:"status"`
	CreatedBy       uint           `json:"created_by"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (s ExamSchedule) SeatsLeft() int {
	if left := s.Capacity - s.BookedCount; left > 0 {
		return left
	}
	return 0
}

const (
	BookingStatusBooked    = "booked"
	BookingStatusCancelled = "cancelled"
	BookingStatusPassed    = "passed"
	BookingStatusFailed    = "failed"
	BookingStatusNoShow    = "no_show"
)

type ExamBooking struct {
	ID               uint          `gorm:"primaryKey" json:"id"`
	ScheduleID       uint          `gorm:"index;not null" json:"schedule_id"`
	Schedule         *ExamSchedule `json:"schedule,omitempty"`
	UserID           uint          `gorm:"index;not null" json:"user_id"`
	User             *User         `json:"user,omitempty"`
	VoucherID        *uint         `gorm:"index" json:"voucher_id,omitempty"`
	Status           string        `gorm:"size:16;not null;default:booked;index" json:"status"`
	Score            *float64      `json:"score,omitempty"`
	ResultRecordedAt *time.Time    `json:"result_recorded_at,omitempty"`
	CancelledAt      *time.Time    `json:"cancelled_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}
