package domain

import "time"

const (
	EmailStatusPending = "pending"
	EmailStatusSending = "sending"
	EmailStatusSent    = "sent"
	EmailStatusFailed  = "failed"
)

type EmailQueueItem struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	ToEmail       string     `gorm:"size:255;not null;index" json:"to_email"`
	ToName        string     `gorm:"size:255" json:"to_name"`
	Template      string     `gorm:"size:64;not null" json:"template"`
	Subject       string     `gorm:"size:255" json:"subject"`
	Payload       string     `gorm:"type:text" json:"payload"`
	Status        string     `gorm:"size:16;not null;default:pending;index:idx_email_queue_due" json:"status"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	LastError     string     `gorm:"size:1000" json:"last_error,omitempty"`
	NextAttemptAt time.Time  `gorm:"index:idx_email_queue_due" json:"next_attempt_at"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (EmailQueueItem) TableName() string { return "email_queue" }
