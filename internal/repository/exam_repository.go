package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"

	"gorm.io/gorm"
)

var (
	ErrScheduleNotFound      = errors.New("exam schedule not found")
	ErrScheduleFull          = errors.New("exam schedule is full")
	ErrScheduleStateConflict = errors.New("exam schedule is not in the expected state")
	ErrBookingNotFound       = errors.New("exam booking not found")
	ErrBookingStateConflict  = errors.New("exam booking is not in the expected state")
	ErrOpenBookingExists     = errors.New("user already holds an open booking for this schedule")
)

type ScheduleFilter struct {
	PartnerID       *uint
	CertificationID *uint
	Status          string
	// StartsAfter limits results to sessions starting after the given time.
	StartsAfter *time.Time
}

type ExamScheduleRepository interface {
	Create(ctx context.Context, s *domain.ExamSchedule) error
	FindByID(ctx context.Context, id uint) (*domain.ExamSchedule, error)
	ListPaged(ctx context.Context, filter ScheduleFilter, page PageRequest) (PageResult[domain.ExamSchedule], error)
	ReserveSeat(ctx context.Context, id uint) error
	ReleaseSeat(ctx context.Context, id uint) error
	TransitionStatus(ctx context.Context, id uint, from, to string) error
}

type GormExamScheduleRepository struct{ db *gorm.DB }

func NewExamScheduleRepository(db *gorm.DB) ExamScheduleRepository {
	return &GormExamScheduleRepository{db: db}
}

func (r *GormExamScheduleRepository) Create(ctx context.Context, s *domain.ExamSchedule) error {
	return r.db.WithContext(ctx).Omit("Certification", "Partner").Create(s).Error
}

func (r *GormExamScheduleRepository) FindByID(ctx context.Context, id uint) (*domain.ExamSchedule, error) {
	var s domain.ExamSchedule
	err := r.db.WithContext(ctx).Preload("Certification").Preload("Partner").First(&s, id).Error
	if err != nil {
		return nil, notFound(err, ErrScheduleNotFound)
	}
	return &s, nil
}

func (r *GormExamScheduleRepository) ListPaged(ctx context.Context, filter ScheduleFilter, page PageRequest) (PageResult[domain.ExamSchedule], error) {
	q := r.db.WithContext(ctx).Model(&domain.ExamSchedule{})
	if filter.PartnerID != nil {
		q = q.Where("partner_id = ?", *filter.PartnerID)
	}
	if filter.CertificationID != nil {
		q = q.Where("certification_id = ?", *filter.CertificationID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.StartsAfter != nil {
		q = q.Where("starts_at > ?", *filter.StartsAfter)
	}
	return listPaged[domain.ExamSchedule](q, page, "starts_at asc, id asc", "Certification", "Partner")
}

// ReserveSeat takes one seat if the schedule is open and not full. The
// check and increment happen in a single statement.
func (r *GormExamScheduleRepository) ReserveSeat(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Model(&domain.ExamSchedule{}).
		Where("id = ? AND status = ? AND booked_count < capacity", id, domain.ScheduleStatusScheduled).
		Update("booked_count", gorm.Expr("booked_count + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrScheduleFull
	}
	return nil
}

func (r *GormExamScheduleRepository) ReleaseSeat(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&domain.ExamSchedule{}).
		Where("id = ? AND booked_count > 0", id).
		Update("booked_count", gorm.Expr("booked_count - 1")).Error
}

func (r *GormExamScheduleRepository) TransitionStatus(ctx context.Context, id uint, from, to string) error {
	res := r.db.WithContext(ctx).Model(&domain.ExamSchedule{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrScheduleStateConflict
	}
	return nil
}

type ExamBookingRepository interface {
	Create(ctx context.Context, b *domain.ExamBooking) error
	FindByID(ctx context.Context, id uint) (*domain.ExamBooking, error)
	HasOpen(ctx context.Context, scheduleID, userID uint) (bool, error)
	ListForUser(ctx context.Context, userID uint) ([]domain.ExamBooking, error)
	ListUpcomingForUser(ctx context.Context, userID uint, now time.Time) ([]domain.ExamBooking, error)
	ListForSchedule(ctx context.Context, scheduleID uint) ([]domain.ExamBooking, error)
	ListOpenForSchedule(ctx context.Context, scheduleID uint) ([]domain.ExamBooking, error)
	Transition(ctx context.Context, id uint, from string, updates map[string]any) error
	CountCreatedSince(ctx context.Context, since time.Time) (int64, error)
}

type GormExamBookingRepository struct{ db *gorm.DB }

func NewExamBookingRepository(db *gorm.DB) ExamBookingRepository {
	return &GormExamBookingRepository{db: db}
}

// Create fails with ErrOpenBookingExists when the user already holds a
// booked seat on the schedule.
func (r *GormExamBookingRepository) Create(ctx context.Context, b *domain.ExamBooking) error {
	err := r.db.WithContext(ctx).Omit("Schedule", "User").Create(b).Error
	if isUniqueViolation(err) {
		return ErrOpenBookingExists
	}
	return err
}

func (r *GormExamBookingRepository) FindByID(ctx context.Context, id uint) (*domain.ExamBooking, error) {
	var b domain.ExamBooking
	err := r.db.WithContext(ctx).Preload("Schedule.Certification").Preload("User").First(&b, id).Error
	if err != nil {
		return nil, notFound(err, ErrBookingNotFound)
	}
	return &b, nil
}

func (r *GormExamBookingRepository) HasOpen(ctx context.Context, scheduleID, userID uint) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.ExamBooking{}).
		Where("schedule_id = ? AND user_id = ? AND status = ?", scheduleID, userID, domain.BookingStatusBooked).
		Count(&n).Error
	return n > 0, err
}

func (r *GormExamBookingRepository) ListForUser(ctx context.Context, userID uint) ([]domain.ExamBooking, error) {
	var out []domain.ExamBooking
	err := r.db.WithContext(ctx).Preload("Schedule.Certification").
		Where("user_id = ?", userID).
		Order("id desc").
		Find(&out).Error
	return out, err
}

func (r *GormExamBookingRepository) ListUpcomingForUser(ctx context.Context, userID uint, now time.Time) ([]domain.ExamBooking, error) {
	var out []domain.ExamBooking
	err := r.db.WithContext(ctx).Preload("Schedule.Certification").
		Joins("JOIN exam_schedules ON exam_schedules.id = exam_bookings.schedule_id").
		Where("exam_bookings.user_id = ? AND exam_bookings.status = ? AND exam_schedules.starts_at > ?",
			userID, domain.BookingStatusBooked, now).
		Order("exam_schedules.starts_at asc").
		Find(&out).Error
	return out, err
}

func (r *GormExamBookingRepository) ListForSchedule(ctx context.Context, scheduleID uint) ([]domain.ExamBooking, error) {
	var out []domain.ExamBooking
	err := r.db.WithContext(ctx).Preload("User").
		Where("schedule_id = ?", scheduleID).
		Order("id asc").
		Find(&out).Error
	return out, err
}

func (r *GormExamBookingRepository) ListOpenForSchedule(ctx context.Context, scheduleID uint) ([]domain.ExamBooking, error) {
	var out []domain.ExamBooking
	err := r.db.WithContext(ctx).Preload("User").
		Where("schedule_id = ? AND status = ?", scheduleID, domain.BookingStatusBooked).
		Order("id asc").
		Find(&out).Error
	return out, err
}

// Transition applies updates (which must include the new status) only while
// the booking is still in the from state.
func (r *GormExamBookingRepository) Transition(ctx context.Context, id uint, from string, updates map[string]any) error {
	res := r.db.WithContext(ctx).Model(&domain.ExamBooking{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrBookingStateConflict
	}
	return nil
}

func (r *GormExamBookingRepository) CountCreatedSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.ExamBooking{}).Where("created_at >= ?", since).Count(&n).Error
	return n, err
}
