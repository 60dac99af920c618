package repository

import (
	"context"
	"errors"
	"time"

	"lostfound/internal/model"

	"gorm.io/gorm"
)

// LedgerEntryRepository 账本流水仓储，只提供追加和查询，不提供修改和删除
type LedgerEntryRepository struct {
	db *gorm.DB
}

func NewLedgerEntryRepository(db *gorm.DB) *LedgerEntryRepository {
	return &LedgerEntryRepository{db: db}
}

func (r *LedgerEntryRepository) Create(ctx context.Context, tx *gorm.DB, entry *model.LedgerEntry) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(entry).Error
}

// GetByUserRefKind 查询某账户针对某个关联编号的某类流水，用于入账幂等
func (r *LedgerEntryRepository) GetByUserRefKind(ctx context.Context, tx *gorm.DB, userID, reportRef, kind string) (*model.LedgerEntry, error) {
	if tx == nil {
		tx = r.db
	}
	var entry model.LedgerEntry
	err := tx.WithContext(ctx).
		Where("user_id = ? AND report_ref = ? AND kind = ?", userID, reportRef, kind).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// ListByUserID 按时间倒序返回账户的全部流水
func (r *LedgerEntryRepository) ListByUserID(ctx context.Context, userID string) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Find(&entries).Error
	return entries, err
}

// SumByUserID 账户全部流水金额之和，对账用
func (r *LedgerEntryRepository) SumByUserID(ctx context.Context, userID string) (int64, int64, error) {
	var row struct {
		Total int64
		Count int64
	}
	err := r.db.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Select("COALESCE(SUM(amount), 0) AS total, COUNT(*) AS count").
		Where("user_id = ?", userID).
		Scan(&row).Error
	return row.Total, row.Count, err
}

// FindOrphanReservations 查找已冻结悬赏但报告始终没有创建、也尚未退款的流水
//
// 只看 before 之前的流水，给正在进行中的发布流程留出时间
func (r *LedgerEntryRepository) FindOrphanReservations(ctx context.Context, before time.Time, limit int) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("kind = ? AND created_at < ?", model.EntryKindLost, before).
		Where("NOT EXISTS (SELECT 1 FROM lost_report lr WHERE lr.report_no = ledger_entry.report_ref)").
		Where("NOT EXISTS (SELECT 1 FROM ledger_entry refund WHERE refund.user_id = ledger_entry.user_id AND refund.report_ref = ledger_entry.report_ref AND refund.kind = ?)", model.EntryKindCredit).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
