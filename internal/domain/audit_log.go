package domain

import "time"

type AuditLog struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	EventName   string    `gorm:"size:128;not null;index" json:"event_name"`
	ActorUserID string    `gorm:"size:64;index" json:"actor_user_id"`
	TargetType  string    `gorm:"size:64;index:idx_audit_logs_target" json:"target_type"`
	TargetID    string    `gorm:"size:64;index:idx_audit_logs_target" json:"target_id"`
	Action      string    `gorm:"size:64" json:"action"`
	Outcome     string    `gorm:"size:16;index" json:"outcome"`
	Reason      string    `gorm:"size:255" json:"reason"`
	IP          string    `gorm:"size:64" json:"ip"`
	RequestID   string    `gorm:"size:64" json:"request_id"`
	Metadata    string    `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}
