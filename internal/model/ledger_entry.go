package model

import (
	"time"
)

// ============================================================================
// 流水类型常量
// ============================================================================

const (
	EntryKindCredit = "Credit" // 入账（注册赠送、补偿退款）
	EntryKindLost   = "Lost"   // 发布失物时冻结悬赏（出账）
	EntryKindFound  = "Found"  // 拾取入账（预留）
	EntryKindReward = "Reward" // 悬赏发放给拾取人
)

// IsCreditKind 是否为入账类型
func IsCreditKind(kind string) bool {
	switch kind {
	case EntryKindCredit, EntryKindFound, EntryKindReward:
		return true
	}
	return false
}

// ============================================================================
// 账本流水实体
// ============================================================================

// LedgerEntry 账本流水表
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. 金额带符号，账户余额恒等于该账户全部流水金额之和
// 3. 记录交易前后余额 —— 便于校验余额一致性
type LedgerEntry struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	EntryNo       string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"entry_no"`
	UserID        string    `gorm:"type:varchar(64);index:idx_entry_user_ref_kind,priority:1;not null" json:"user_id"`
	Sender        string    `gorm:"type:varchar(64);not null" json:"sender"`
	Receiver      string    `gorm:"type:varchar(64);not null" json:"receiver"`
	Amount        int64     `gorm:"not null" json:"amount"` // 正数入账，负数出账
	Kind          string    `gorm:"type:varchar(16);index:idx_entry_user_ref_kind,priority:3;not null" json:"kind"`
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`
	ReportRef     string    `gorm:"type:varchar(64);index:idx_entry_user_ref_kind,priority:2;index" json:"report_ref,omitempty"`
	Remark        string    `gorm:"type:varchar(256)" json:"remark,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"date"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entry"
}
