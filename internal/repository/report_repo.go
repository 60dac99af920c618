package repository

import (
	"context"
	"errors"
	"time"

	"lostfound/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrReportNotFound = errors.New("失物报告不存在")
)

type ReportRepository struct {
	db *gorm.DB
}

func NewReportRepository(db *gorm.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

func (r *ReportRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func claimsInOrder(db *gorm.DB) *gorm.DB {
	return db.Order("found_claim.id ASC")
}

func (r *ReportRepository) Create(ctx context.Context, tx *gorm.DB, report *model.Report) error {
	return r.conn(tx).WithContext(ctx).Omit(clause.Associations).Create(report).Error
}

func (r *ReportRepository) GetByReportNo(ctx context.Context, tx *gorm.DB, reportNo string) (*model.Report, error) {
	var report model.Report
	err := r.conn(tx).WithContext(ctx).
		Preload("Claims", claimsInOrder).
		Where("report_no = ?", reportNo).
		First(&report).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReportNotFound
		}
		return nil, err
	}
	return &report, nil
}

// GetByReportNoForUpdate 在事务内锁定报告行并加载全部申请
func (r *ReportRepository) GetByReportNoForUpdate(ctx context.Context, tx *gorm.DB, reportNo string) (*model.Report, error) {
	var report model.Report
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("report_no = ?", reportNo).
		First(&report).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReportNotFound
		}
		return nil, err
	}

	err = tx.WithContext(ctx).
		Where("report_id = ?", report.ID).
		Order("id ASC").
		Find(&report.Claims).Error
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func (r *ReportRepository) GetByRequestID(ctx context.Context, requestID string) (*model.Report, error) {
	var report model.Report
	err := r.db.WithContext(ctx).
		Preload("Claims", claimsInOrder).
		Where("request_id = ?", requestID).
		First(&report).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &report, nil
}

// CreateClaim 追加申请，只能在持有报告行锁的事务里调用
func (r *ReportRepository) CreateClaim(ctx context.Context, tx *gorm.DB, claim *model.Claim) error {
	return tx.WithContext(ctx).Create(claim).Error
}

// UpdateClaimStatus 更新申请状态，只能在持有报告行锁的事务里调用
func (r *ReportRepository) UpdateClaimStatus(ctx context.Context, tx *gorm.DB, claimID int64, status string) error {
	return tx.WithContext(ctx).
		Model(&model.Claim{}).
		Where("id = ?", claimID).
		Update("status", status).Error
}

// SaveState 以版本号为条件写回报告状态，写入成功后 report.Version 递增
func (r *ReportRepository) SaveState(ctx context.Context, tx *gorm.DB, report *model.Report) error {
	result := tx.WithContext(ctx).
		Model(&model.Report{}).
		Where("id = ? AND version = ?", report.ID, report.Version).
		Updates(map[string]interface{}{
			"status":     report.Status,
			"verified":   report.Verified,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}

	report.Version++
	return nil
}

func (r *ReportRepository) ListByReporter(ctx context.Context, reporterID string) ([]*model.Report, error) {
	var reports []*model.Report
	err := r.db.WithContext(ctx).
		Preload("Claims", claimsInOrder).
		Where("reporter_id = ?", reporterID).
		Order("id DESC").
		Find(&reports).Error
	return reports, err
}

func (r *ReportRepository) ListByReporterAndStatus(ctx context.Context, reporterID, status string) ([]*model.Report, error) {
	var reports []*model.Report
	err := r.db.WithContext(ctx).
		Preload("Claims", claimsInOrder).
		Where("reporter_id = ? AND status = ?", reporterID, status).
		Order("id DESC").
		Find(&reports).Error
	return reports, err
}

func (r *ReportRepository) ListAll(ctx context.Context, page, pageSize int) ([]*model.Report, int64, error) {
	var reports []*model.Report
	var total int64

	if err := r.db.WithContext(ctx).Model(&model.Report{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := r.db.WithContext(ctx).
		Preload("Claims", claimsInOrder).
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&reports).Error

	return reports, total, err
}

// GetFoundWithoutReward 查找已确认拾取人但悬赏尚未入账的报告
func (r *ReportRepository) GetFoundWithoutReward(ctx context.Context, before time.Time, limit int) ([]*model.Report, error) {
	var reports []*model.Report
	err := r.db.WithContext(ctx).
		Preload("Claims", claimsInOrder).
		Where("status = ? AND updated_at < ?", model.ReportStatusFound, before).
		Where("NOT EXISTS (SELECT 1 FROM ledger_entry le WHERE le.report_ref = lost_report.report_no AND le.kind = ?)", model.EntryKindReward).
		Order("id ASC").
		Limit(limit).
		Find(&reports).Error
	return reports, err
}
