package model

import (
	"errors"
	"time"

	"gorm.io/datatypes"
)

// ============================================================================
// 失物报告状态
// ============================================================================

const (
	ReportStatusLost      = "Lost"      // 已发布，尚无拾取申请
	ReportStatusVerifying = "Verifying" // 有待失主确认的拾取申请
	ReportStatusFound     = "Found"     // 已确认拾取人，悬赏已发放（终态）
	ReportStatusRejected  = "Rejected"  // 报告取消（预留，当前没有触发路径）
)

const (
	ClaimStatusPending  = "Pending"
	ClaimStatusAccepted = "Accepted"
	ClaimStatusRejected = "Rejected"
)

var (
	ErrNotReporter     = errors.New("只有失主本人可以确认拾取申请")
	ErrClaimNotFound   = errors.New("拾取申请不存在")
	ErrAlreadyResolved = errors.New("失物报告已确认拾取人")
)

// SecretPair 失主私密校验信息（如"钱包里有几张卡"），只有失主可见
type SecretPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Report 失物报告（聚合根）
//
// 拾取申请(Claim)是报告内嵌的子实体：所有对申请的修改都必须经过报告，
// 在同一把报告锁、同一个事务内完成，不存在单独修改申请的入口。
type Report struct {
	ID           int64                           `gorm:"primaryKey;autoIncrement" json:"-"`
	ReportNo     string                          `gorm:"type:varchar(64);uniqueIndex;not null" json:"id"`
	RequestID    string                          `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"`
	ReporterID   string                          `gorm:"type:varchar(64);index;not null" json:"reporter_id"`
	ReporterName string                          `gorm:"type:varchar(128);not null" json:"reporter_name"`
	Title        string                          `gorm:"type:varchar(256);not null" json:"title"`
	Description  string                          `gorm:"type:text;not null" json:"description"`
	Location     string                          `gorm:"type:varchar(256);not null" json:"location"`
	SecretPairs  datatypes.JSONSlice[SecretPair] `gorm:"not null" json:"secret_pairs"`
	Bounty       int64                           `gorm:"not null" json:"bounty"`
	Status       string                          `gorm:"type:varchar(16);index;not null" json:"status"`
	Verified     bool                            `gorm:"not null;default:false" json:"verified"`
	Image        string                          `gorm:"type:varchar(512)" json:"image,omitempty"`
	Version      int                             `gorm:"not null;default:0" json:"-"`
	Claims       []Claim                         `gorm:"foreignKey:ReportID" json:"claims"`
	CreatedAt    time.Time                       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time                       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Report) TableName() string {
	return "lost_report"
}

// Claim 拾取申请
type Claim struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	ClaimNo     string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"id"`
	ReportID    int64     `gorm:"index;not null" json:"-"`
	FinderID    string    `gorm:"type:varchar(64);index;not null" json:"finder_id"`
	FinderName  string    `gorm:"type:varchar(128);not null" json:"finder_name"`
	Description string    `gorm:"type:text;not null" json:"description"`
	Location    string    `gorm:"type:varchar(256);not null" json:"location"`
	Image       string    `gorm:"type:varchar(512)" json:"image,omitempty"`
	Status      string    `gorm:"type:varchar(16);not null" json:"status"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"date"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"-"`
}

func (Claim) TableName() string {
	return "found_claim"
}

// ============================================================================
// 状态机
// ============================================================================
//
//	Lost ──提交申请──> Verifying ──确认──> Found（终态）
//	                   │    ^
//	                   └────┘ 驳回（无已确认申请）
//
// 一旦有申请提交，报告再也不会回到 Lost。

// IsTerminal 报告是否已结束
func (r *Report) IsTerminal() bool {
	return r.Status == ReportStatusFound || r.Status == ReportStatusRejected
}

// FindClaim 按编号查找申请
func (r *Report) FindClaim(claimNo string) *Claim {
	for i := range r.Claims {
		if r.Claims[i].ClaimNo == claimNo {
			return &r.Claims[i]
		}
	}
	return nil
}

// AcceptedClaim 返回已确认的申请，没有则返回 nil
func (r *Report) AcceptedClaim() *Claim {
	for i := range r.Claims {
		if r.Claims[i].Status == ClaimStatusAccepted {
			return &r.Claims[i]
		}
	}
	return nil
}

// AddClaim 追加一条待确认申请
//
// 新申请总是需要失主重新关注，所以非终态报告一律回到 Verifying；
// 已结束的报告仍然接收申请，但状态不变，这条申请也永远不会被确认。
func (r *Report) AddClaim(c Claim) {
	c.Status = ClaimStatusPending
	r.Claims = append(r.Claims, c)
	if !r.IsTerminal() {
		r.Status = ReportStatusVerifying
	}
}

// Resolve 失主确认或驳回一条申请，返回被处理的申请和所有状态发生变化的申请
func (r *Report) Resolve(claimNo, reporterID string, accept bool) (*Claim, []*Claim, error) {
	if r.ReporterID != reporterID {
		return nil, nil, ErrNotReporter
	}

	target := r.FindClaim(claimNo)
	if target == nil {
		return nil, nil, ErrClaimNotFound
	}

	// 已发放的悬赏不可撤回，也不允许第二次确认
	if target.Status == ClaimStatusAccepted {
		return nil, nil, ErrAlreadyResolved
	}
	if accept && r.Status == ReportStatusFound {
		return nil, nil, ErrAlreadyResolved
	}

	var changed []*Claim
	setStatus := func(c *Claim, status string) {
		if c.Status != status {
			c.Status = status
			changed = append(changed, c)
		}
	}

	if accept {
		for i := range r.Claims {
			c := &r.Claims[i]
			if c.ClaimNo == claimNo {
				setStatus(c, ClaimStatusAccepted)
			} else {
				setStatus(c, ClaimStatusRejected)
			}
		}
		r.Status = ReportStatusFound
		r.Verified = true
		return target, changed, nil
	}

	setStatus(target, ClaimStatusRejected)
	if r.AcceptedClaim() != nil {
		r.Status = ReportStatusFound
	} else if r.Status != ReportStatusRejected {
		r.Status = ReportStatusVerifying
	}
	return target, changed, nil
}
