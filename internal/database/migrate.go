package database

import (
	"fmt"

	"github.com/bda-association/bda-portal/internal/domain"

	"gorm.io/gorm"
)

// Models lists every persisted type in dependency order.
func Models() []any {
	return []any{
		&domain.Partner{},
		&domain.User{},
		&domain.Role{},
		&domain.Permission{},
		&domain.LocalCredential{},
		&domain.Session{},
		&domain.VerificationToken{},
		&domain.RoleMapping{},
		&domain.ConsentRecord{},
		&domain.Certification{},
		&domain.CredentialSequence{},
		&domain.CommerceOrder{},
		&domain.SyncCursor{},
		&domain.Voucher{},
		&domain.ExamSchedule{},
		&domain.ExamBooking{},
		&domain.Certificate{},
		&domain.AuditLog{},
		&domain.EmailQueueItem{},
		&domain.Reminder{},
		&domain.BulkUploadJob{},
		&domain.IdempotencyRecord{},
	}
}

// partialIndexes are constraints gorm tags cannot express. Postgres and
// sqlite both accept this syntax.
var partialIndexes = []string{
	// One open booking per candidate per session.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_exam_bookings_open_seat
		ON exam_bookings (schedule_id, user_id) WHERE status = 'booked'`,
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	for _, stmt := range partialIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create partial index: %w", err)
		}
	}
	return nil
}

type TableStatus struct {
	Table  string `json:"table"`
	Exists bool   `json:"exists"`
}

// Status reports which tables are present without changing the schema.
func Status(db *gorm.DB) ([]TableStatus, error) {
	out := make([]TableStatus, 0, len(Models()))
	for _, m := range Models() {
		stmt := &gorm.Statement{DB: db}
		if err := stmt.Parse(m); err != nil {
			return nil, err
		}
		out = append(out, TableStatus{
			Table:  stmt.Schema.Table,
			Exists: db.Migrator().HasTable(m),
		})
	}
	return out, nil
}
