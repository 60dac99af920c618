package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lostfound/internal/config"
	"lostfound/internal/infrastructure/lock"
	"lostfound/internal/model"
	"lostfound/internal/repository"
	"lostfound/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// LedgerService 账本服务，唯一可以修改账户余额的组件
//
// 【并发控制】每次余额变动都是"账户锁 + 事务内行锁 + 版本号条件更新"：
//   - 账户锁保证同一账户的校验和扣减不会被其他请求穿插
//   - 行锁和版本号兜底，即使锁过期也不会出现超扣
//
// 不同账户之间互不影响。
type LedgerService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	accountRepo *repository.AccountRepository
	entryRepo   *repository.LedgerEntryRepository
	outboxRepo  *repository.OutboxRepository
}

func NewLedgerService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *LedgerService {
	return &LedgerService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		accountRepo: repository.NewAccountRepository(db),
		entryRepo:   repository.NewLedgerEntryRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

// CreditRequest 入账请求
type CreditRequest struct {
	UserID       string
	Amount       int64
	ReportRef    string // 关联编号，同一账户同一编号同一类型只入账一次
	Counterparty string // 付款方，为空时记为 SYSTEM
	Kind         string // Credit / Reward / Found
	Remark       string
}

// CreditResult 入账结果
type CreditResult struct {
	Account   *model.Account
	Entry     *model.LedgerEntry
	Duplicate bool // 已经入账过，本次没有产生新流水
}

// AuditResult 账户对账结果
type AuditResult struct {
	UserID     string `json:"user_id"`
	Balance    int64  `json:"balance"`
	EntrySum   int64  `json:"entry_sum"`
	EntryCount int64  `json:"entry_count"`
	Consistent bool   `json:"consistent"`
}

// GetOrCreateAccount 获取账户，不存在时创建余额为 0 的空账户
func (s *LedgerService) GetOrCreateAccount(ctx context.Context, userID string) (*model.Account, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, validationError("用户标识不能为空")
	}
	account, err := s.accountRepo.GetOrCreate(ctx, nil, userID)
	if err != nil {
		return nil, fmt.Errorf("获取账户失败: %w", err)
	}
	return account, nil
}

// OpenAccount 注册开户，发放初始代币（重复调用不会重复发放）
func (s *LedgerService) OpenAccount(ctx context.Context, userID string) (*CreditResult, error) {
	return s.Credit(ctx, &CreditRequest{
		UserID:       userID,
		Amount:       s.cfg.Business.InitialGrant,
		ReportRef:    model.RegistrationRef,
		Counterparty: model.SystemParty,
		Kind:         model.EntryKindCredit,
		Remark:       "注册赠送代币",
	})
}

// Reserve 冻结悬赏：校验余额、扣减并追加一条 Lost 流水
func (s *LedgerService) Reserve(ctx context.Context, userID string, amount int64, reportRef string) (*model.Account, error) {
	if amount <= 0 {
		return nil, validationError("冻结金额必须大于0")
	}
	if _, err := s.GetOrCreateAccount(ctx, userID); err != nil {
		return nil, err
	}

	unlock, err := acquire(ctx, lock.NewAccountLock(s.redisClient, userID, s.cfg.Business.LockExpiration), &s.cfg.Business)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var account *model.Account
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return fmt.Errorf("查询账户失败: %w", err)
		}

		if acc.Balance < amount {
			return ErrInsufficientFunds
		}

		if err := s.accountRepo.Deduct(ctx, tx, userID, amount, acc.Version); err != nil {
			return translateAccountError(err)
		}

		entry := &model.LedgerEntry{
			EntryNo:       idgen.GenerateEntryNo(),
			UserID:        userID,
			Sender:        userID,
			Receiver:      model.SystemParty,
			Amount:        -amount,
			Kind:          model.EntryKindLost,
			BalanceBefore: acc.Balance,
			BalanceAfter:  acc.Balance - amount,
			ReportRef:     reportRef,
			Remark:        "冻结失物悬赏",
		}
		if err := s.appendEntry(ctx, tx, entry); err != nil {
			return err
		}

		acc.Balance -= amount
		acc.Version++
		account = acc
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("悬赏已冻结",
		zap.String("user_id", userID),
		zap.Int64("amount", amount),
		zap.String("report_ref", reportRef),
		zap.Int64("balance", account.Balance))
	return account, nil
}

// Credit 入账并追加一条流水
//
// 【幂等】同一账户、同一关联编号、同一类型的入账只会发生一次，
// 重复调用直接返回当前账户，对账任务可以放心重试
func (s *LedgerService) Credit(ctx context.Context, req *CreditRequest) (*CreditResult, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, validationError("用户标识不能为空")
	}
	if req.Amount <= 0 {
		return nil, validationError("入账金额必须大于0")
	}
	if !model.IsCreditKind(req.Kind) {
		return nil, validationError("不支持的入账类型: %s", req.Kind)
	}
	if req.ReportRef == "" {
		return nil, validationError("入账必须指定关联编号")
	}
	counterparty := req.Counterparty
	if counterparty == "" {
		counterparty = model.SystemParty
	}

	if _, err := s.GetOrCreateAccount(ctx, req.UserID); err != nil {
		return nil, err
	}

	unlock, err := acquire(ctx, lock.NewAccountLock(s.redisClient, req.UserID, s.cfg.Business.LockExpiration), &s.cfg.Business)
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := &CreditResult{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, req.UserID)
		if err != nil {
			return fmt.Errorf("查询账户失败: %w", err)
		}

		existing, err := s.entryRepo.GetByUserRefKind(ctx, tx, req.UserID, req.ReportRef, req.Kind)
		if err != nil {
			return fmt.Errorf("查询流水失败: %w", err)
		}
		if existing != nil {
			result.Account = acc
			result.Entry = existing
			result.Duplicate = true
			return nil
		}

		if err := s.accountRepo.Increase(ctx, tx, req.UserID, req.Amount, acc.Version); err != nil {
			return translateAccountError(err)
		}

		entry := &model.LedgerEntry{
			EntryNo:       idgen.GenerateEntryNo(),
			UserID:        req.UserID,
			Sender:        counterparty,
			Receiver:      req.UserID,
			Amount:        req.Amount,
			Kind:          req.Kind,
			BalanceBefore: acc.Balance,
			BalanceAfter:  acc.Balance + req.Amount,
			ReportRef:     req.ReportRef,
			Remark:        req.Remark,
		}
		if err := s.appendEntry(ctx, tx, entry); err != nil {
			return err
		}

		acc.Balance += req.Amount
		acc.Version++
		result.Account = acc
		result.Entry = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Duplicate {
		zap.L().Info("重复入账请求，已忽略",
			zap.String("user_id", req.UserID),
			zap.String("kind", req.Kind),
			zap.String("report_ref", req.ReportRef))
	} else {
		zap.L().Info("入账成功",
			zap.String("user_id", req.UserID),
			zap.String("kind", req.Kind),
			zap.Int64("amount", req.Amount),
			zap.String("report_ref", req.ReportRef),
			zap.Int64("balance", result.Account.Balance))
	}
	return result, nil
}

// History 账户流水，按时间倒序
func (s *LedgerService) History(ctx context.Context, userID string) ([]*model.LedgerEntry, error) {
	entries, err := s.entryRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	return entries, nil
}

// Audit 校验账户余额是否等于全部流水之和
func (s *LedgerService) Audit(ctx context.Context, userID string) (*AuditResult, error) {
	account, err := s.accountRepo.GetByUserID(ctx, nil, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, validationError("账户不存在: %s", userID)
		}
		return nil, err
	}

	sum, count, err := s.entryRepo.SumByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("汇总流水失败: %w", err)
	}

	return &AuditResult{
		UserID:     userID,
		Balance:    account.Balance,
		EntrySum:   sum,
		EntryCount: count,
		Consistent: account.Balance == sum && account.Balance >= 0,
	}, nil
}

// ListUserIDs 分页列出账户
func (s *LedgerService) ListUserIDs(ctx context.Context, offset, limit int) ([]string, error) {
	return s.accountRepo.ListUserIDs(ctx, offset, limit)
}

// OrphanReservations 报告始终没有创建、也没有退款的冻结流水
func (s *LedgerService) OrphanReservations(ctx context.Context, before time.Time, limit int) ([]*model.LedgerEntry, error) {
	return s.entryRepo.FindOrphanReservations(ctx, before, limit)
}

func (s *LedgerService) appendEntry(ctx context.Context, tx *gorm.DB, entry *model.LedgerEntry) error {
	if err := s.entryRepo.Create(ctx, tx, entry); err != nil {
		return fmt.Errorf("记录流水失败: %w", err)
	}
	payload := map[string]interface{}{
		"entry_no":   entry.EntryNo,
		"user_id":    entry.UserID,
		"sender":     entry.Sender,
		"receiver":   entry.Receiver,
		"amount":     entry.Amount,
		"kind":       entry.Kind,
		"report_ref": entry.ReportRef,
		"balance":    entry.BalanceAfter,
	}
	if err := s.outboxRepo.Publish(ctx, tx, s.cfg.Kafka.Topic.LedgerEvents, model.EventLedgerEntry, entry.UserID, payload); err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}

func translateAccountError(err error) error {
	switch {
	case errors.Is(err, repository.ErrBalanceNotEnough):
		return ErrInsufficientFunds
	case errors.Is(err, repository.ErrOptimisticLock):
		return fmt.Errorf("%w: 账户余额已被并发修改", ErrConflict)
	default:
		return fmt.Errorf("更新余额失败: %w", err)
	}
}
