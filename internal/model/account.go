package model

import (
	"time"
)

// SystemParty 托管方标识，冻结悬赏时作为收款方，对账退款时作为付款方
const SystemParty = "SYSTEM"

// RegistrationRef 注册赠送代币流水的关联编号
const RegistrationRef = "REGISTRATION"

// Account 用户代币账户表
// 余额只能由账本服务修改，每次修改都必须同时追加一条流水
type Account struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID    string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"user_id"` // 身份标识，由认证服务传入
	Balance   int64     `gorm:"not null;default:0" json:"balance"`                    // 可用余额（代币数）
	Version   int       `gorm:"not null;default:0" json:"-"`                          // 乐观锁版本号
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}
