package repository

import (
	"context"
	"errors"

	"github.com/bda-association/bda-portal/internal/domain"

	"gorm.io/gorm"
)

var ErrBulkJobNotFound = errors.New("bulk upload job not found")

type BulkUploadJobRepository interface {
	Create(ctx context.Context, job *domain.BulkUploadJob) error
	FindByID(ctx context.Context, id string) (*domain.BulkUploadJob, error)
	Save(ctx context.Context, job *domain.BulkUploadJob) error
}

type GormBulkUploadJobRepository struct{ db *gorm.DB }

func NewBulkUploadJobRepository(db *gorm.DB) BulkUploadJobRepository {
	return &GormBulkUploadJobRepository{db: db}
}

func (r *GormBulkUploadJobRepository) Create(ctx context.Context, job *domain.BulkUploadJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *GormBulkUploadJobRepository) FindByID(ctx context.Context, id string) (*domain.BulkUploadJob, error) {
	var job domain.BulkUploadJob
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return nil, notFound(err, ErrBulkJobNotFound)
	}
	return &job, nil
}

func (r *GormBulkUploadJobRepository) Save(ctx context.Context, job *domain.BulkUploadJob) error {
	return r.db.WithContext(ctx).Save(job).Error
}
