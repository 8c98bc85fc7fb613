package repository

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bda-association/bda-portal/internal/database"
	"github.com/bda-association/bda-portal/internal/domain"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newRepositoryDBForTest(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func mustCreateUser(t *testing.T, db *gorm.DB, email, role string) *domain.User {
	t.Helper()
	u := &domain.User{Email: email, FirstName: "Test", LastName: "User", Role: role, Status: domain.UserStatusActive}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return u
}

func mustCreateCertification(t *testing.T, db *gorm.DB, code string) *domain.Certification {
	t.Helper()
	c := &domain.Certification{Code: code, Name: code + " certification", ValidityMonths: 36, Active: true}
	if err := db.Create(c).Error; err != nil {
		t.Fatalf("create certification %s: %v", code, err)
	}
	return c
}

func mustCreatePartner(t *testing.T, db *gorm.DB, name, typ string) *domain.Partner {
	t.Helper()
	p := &domain.Partner{Name: name, Type: typ, Status: domain.PartnerStatusActive}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("create partner %s: %v", name, err)
	}
	return p
}

func mustCreateSchedule(t *testing.T, db *gorm.DB, certID, partnerID uint, capacity int, startsAt time.Time) *domain.ExamSchedule {
	t.Helper()
	s := &domain.ExamSchedule{
		CertificationID: certID,
		PartnerID:       partnerID,
		StartsAt:        startsAt,
		EndsAt:          startsAt.Add(2 * time.Hour),
		Mode:            domain.ExamModeOnline,
		Capacity:        capacity,
		Status:          domain.ScheduleStatusScheduled,
	}
	if err := db.Create(s).Error; err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return s
}
