package domain

import "time"

const (
	ReminderKindExamUpcoming        = "exam_upcoming"
	ReminderKindCertificateExpiring = "certificate_expiring"
)

const (
	ReminderStatusPending   = "pending"
	ReminderStatusProcessed = "processed"
	ReminderStatusCancelled = "cancelled"
	ReminderStatusFailed    = "failed"
)

type Reminder struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	UserID        uint       `gorm:"index;not null" json:"user_id"`
	Kind          string     `gorm:"size:32;not null;uniqueIndex:idx_reminders_unique" json:"kind"`
	ReferenceType string     `gorm:"size:32;not null;uniqueIndex:idx_reminders_unique" json:"reference_type"`
	ReferenceID   uint       `gorm:"not null;uniqueIndex:idx_reminders_unique" json:"reference_id"`
	DueAt         time.Time  `gorm:"not null;uniqueIndex:idx_reminders_unique;index:idx_reminders_due" json:"due_at"`
	Status        string     `gorm:"size:16;not null;default:pending;index:idx_reminders_due" json:"status"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	LastError     string     `gorm:"size:512" json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
