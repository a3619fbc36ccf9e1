package repository

import (
	"context"
	"errors"

	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrRunNotFound 记录不存在
var ErrRunNotFound = errors.New("run not found")

type RunRepository interface {
	Create(ctx context.Context, run *domain.DumpRun) error
	Update(ctx context.Context, run *domain.DumpRun) error
	UpdateStatus(ctx context.Context, id string, status domain.RunStatus) error
	FindByID(ctx context.Context, id string) (*domain.DumpRun, error)
	List(ctx context.Context, limit int) ([]*domain.DumpRun, error)
	ListByTarget(ctx context.Context, target string, limit int) ([]*domain.DumpRun, error)
	// 获取各状态运行数量统计
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)
}

type runRepo struct {
	db     *gorm.DB
	logger logrus.FieldLogger
}

func NewRunRepository(db *gorm.DB, logger logrus.FieldLogger) RunRepository {
	return &runRepo{
		db:     db,
		logger: logger,
	}
}

func (r *runRepo) Create(ctx context.Context, run *domain.DumpRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *runRepo) Update(ctx context.Context, run *domain.DumpRun) error {
	err := r.db.WithContext(ctx).
		Model(run).
		Select("display_name", "bundle_id", "device_id", "device_name", "status",
			"failure_type", "error_message", "artifact_count", "failed_transfers",
			"bytes_received", "archive_path", "completed_at", "duration_ms").
		Updates(run).Error

	if err != nil {
		r.logger.WithError(err).WithField("run_id", run.ID).Error("Run update failed")
	}
	return err
}

func (r *runRepo) UpdateStatus(ctx context.Context, id string, status domain.RunStatus) error {
	result := r.db.WithContext(ctx).
		Model(&domain.DumpRun{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (r *runRepo) FindByID(ctx context.Context, id string) (*domain.DumpRun, error) {
	var run domain.DumpRun
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *runRepo) List(ctx context.Context, limit int) ([]*domain.DumpRun, error) {
	var runs []*domain.DumpRun
	err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(normalizeLimit(limit)).
		Find(&runs).Error
	return runs, err
}

func (r *runRepo) ListByTarget(ctx context.Context, target string, limit int) ([]*domain.DumpRun, error) {
	var runs []*domain.DumpRun
	err := r.db.WithContext(ctx).
		Where("target = ?", target).
		Order("started_at DESC").
		Limit(normalizeLimit(limit)).
		Find(&runs).Error
	return runs, err
}

func (r *runRepo) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}

	var rows []statusCount
	err := r.db.WithContext(ctx).
		Model(&domain.DumpRun{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, 0, err
	}

	counts := make(map[string]int64, len(rows))
	var total int64
	for _, row := range rows {
		counts[row.Status] = row.Count
		total += row.Count
	}
	return counts, total, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}
