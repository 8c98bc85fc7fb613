package domain

import "time"

const (
	BulkJobStatusProcessing = "processing"
	BulkJobStatusCompleted  = "completed"
	BulkJobStatusFailed     = "failed"
)

type BulkUploadJob struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	UploadedBy  uint      `gorm:"index" json:"uploaded_by"`
	Filename    string    `gorm:"size:255" json:"filename"`
	ObjectKey   string    `gorm:"size:512" json:"object_key,omitempty"`
	DefaultRole string    `gorm:"size:32" json:"default_role"`
	Status      string    `gorm:"size:16;not null;index" json:"status"`
	TotalRows   int       `json:"total_rows"`
	CreatedRows int       `json:"created_rows"`
	FailedRows  int       `json:"failed_rows"`
	Errors      string    `gorm:"type:text" json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type BulkRowError struct {
	Row   int    `json:"row"`
	Email string `json:"email,omitempty"`
	Error string `json:"error"`
}
