package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lostfound/internal/config"
	"lostfound/internal/infrastructure/lock"
	"lostfound/internal/infrastructure/metrics"
	"lostfound/internal/model"
	"lostfound/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Identity 认证服务传入的调用方身份，这一层完全信任
type Identity struct {
	ID   string
	Name string
}

// EscrowService 悬赏托管协调器，客户端唯一直接调用的服务
//
// 【关键点】发布和确认都跨两个聚合（账本、报告），每一步各自原子，但两步之间没有大事务：
//
//	发布：冻结悬赏 -> 创建报告；报告创建失败时立即补偿退款
//	确认：报告确认拾取人 -> 悬赏入账；入账失败时由对账任务补发
//
// 补偿和补发都依赖入账的幂等性（账户 + 关联编号 + 类型 唯一）。
type EscrowService struct {
	redisClient *redis.Client
	cfg         *config.Config
	ledger      *LedgerService
	reports     *ReportService
}

func NewEscrowService(ledger *LedgerService, reports *ReportService, redisClient *redis.Client, cfg *config.Config) *EscrowService {
	return &EscrowService{
		redisClient: redisClient,
		cfg:         cfg,
		ledger:      ledger,
		reports:     reports,
	}
}

// ReportLostItemRequest 发布失物请求
type ReportLostItemRequest struct {
	RequestID   string // 客户端幂等号，可选
	Title       string
	Description string
	Location    string
	SecretPairs []model.SecretPair
	Bounty      int64
	Image       string
}

// FoundClaimRequest 拾取申请请求
type FoundClaimRequest struct {
	Description string
	Location    string
	Image       string
}

// ReportLostItem 发布失物并冻结悬赏
func (s *EscrowService) ReportLostItem(ctx context.Context, who Identity, req *ReportLostItemRequest) (*model.Report, error) {
	create := &CreateReportRequest{
		RequestID:    strings.TrimSpace(req.RequestID),
		ReporterID:   who.ID,
		ReporterName: who.Name,
		Title:        req.Title,
		Description:  req.Description,
		Location:     req.Location,
		SecretPairs:  req.SecretPairs,
		Bounty:       req.Bounty,
		Image:        req.Image,
	}
	if err := create.Validate(s.cfg.Business.MinBounty); err != nil {
		metrics.EscrowFailures.WithLabelValues("validation").Inc()
		return nil, err
	}

	if create.RequestID != "" {
		// 幂等校验
		existing, err := s.findByRequestID(ctx, who, create.RequestID)
		if err != nil || existing != nil {
			return existing, err
		}

		unlock, err := acquire(ctx, lock.NewRequestLock(s.redisClient, create.RequestID, s.cfg.Business.LockExpiration), &s.cfg.Business)
		if err != nil {
			return nil, err
		}
		defer unlock()

		// 获取锁后再次检查幂等
		existing, err = s.findByRequestID(ctx, who, create.RequestID)
		if err != nil || existing != nil {
			return existing, err
		}
	}

	// 先分配报告编号，冻结流水从一开始就带着报告编号
	create.ReportNo = idgen.GenerateReportNo()

	if _, err := s.ledger.Reserve(ctx, who.ID, create.Bounty, create.ReportNo); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			metrics.EscrowFailures.WithLabelValues("insufficient_funds").Inc()
		}
		return nil, err
	}
	metrics.TokensReserved.Add(float64(create.Bounty))

	report, err := s.reports.CreateReport(ctx, create)
	if err != nil {
		metrics.EscrowFailures.WithLabelValues("create_report").Inc()
		s.refund(ctx, who.ID, create.Bounty, create.ReportNo, "报告创建失败，退回悬赏")
		return nil, fmt.Errorf("发布失物失败: %w", err)
	}

	zap.L().Info("失物报告已发布",
		zap.String("report_no", report.ReportNo),
		zap.String("reporter_id", who.ID),
		zap.Int64("bounty", report.Bounty))
	return report, nil
}

// SubmitFoundClaim 提交拾取申请，不涉及账本
func (s *EscrowService) SubmitFoundClaim(ctx context.Context, who Identity, reportNo string, req *FoundClaimRequest) (*model.Report, error) {
	report, err := s.reports.SubmitClaim(ctx, reportNo, &SubmitClaimRequest{
		FinderID:    who.ID,
		FinderName:  who.Name,
		Description: req.Description,
		Location:    req.Location,
		Image:       req.Image,
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("拾取申请已提交",
		zap.String("report_no", reportNo),
		zap.String("finder_id", who.ID),
		zap.String("status", report.Status))
	return report, nil
}

// VerifyClaim 失主确认或驳回拾取申请，确认时把悬赏发放给拾取人
//
// 驳回不退款：悬赏继续冻结，留给其他申请
func (s *EscrowService) VerifyClaim(ctx context.Context, who Identity, reportNo, claimNo string, accept bool) (*model.Report, error) {
	report, err := s.reports.ResolveClaim(ctx, reportNo, claimNo, who.ID, accept)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.EscrowFailures.WithLabelValues("conflict").Inc()
		}
		return nil, err
	}

	if !accept {
		zap.L().Info("拾取申请已驳回",
			zap.String("report_no", reportNo),
			zap.String("claim_no", claimNo),
			zap.String("status", report.Status))
		return report, nil
	}

	claim := report.FindClaim(claimNo)
	if err := s.payReward(ctx, report, claim); err != nil {
		return report, err
	}

	zap.L().Info("拾取申请已确认，悬赏已发放",
		zap.String("report_no", reportNo),
		zap.String("claim_no", claimNo),
		zap.String("finder_id", claim.FinderID),
		zap.Int64("bounty", report.Bounty))
	return report, nil
}

// RefundOrphanReservations 退回报告始终没有创建的冻结悬赏，返回处理条数
func (s *EscrowService) RefundOrphanReservations(ctx context.Context, before time.Time, limit int) (int, error) {
	entries, err := s.ledger.OrphanReservations(ctx, before, limit)
	if err != nil {
		return 0, fmt.Errorf("查询孤立冻结流水失败: %w", err)
	}

	refunded := 0
	for _, entry := range entries {
		if s.refund(ctx, entry.UserID, -entry.Amount, entry.ReportRef, "报告未创建，对账退回悬赏") {
			refunded++
		}
	}
	return refunded, nil
}

// PayMissingRewards 补发已确认但未入账的悬赏，返回处理条数
func (s *EscrowService) PayMissingRewards(ctx context.Context, before time.Time, limit int) (int, error) {
	reports, err := s.reports.FoundWithoutReward(ctx, before, limit)
	if err != nil {
		return 0, fmt.Errorf("查询待补发报告失败: %w", err)
	}

	paid := 0
	for _, report := range reports {
		claim := report.AcceptedClaim()
		if claim == nil {
			zap.L().Warn("已确认的报告没有找到确认的申请", zap.String("report_no", report.ReportNo))
			continue
		}
		if err := s.payReward(ctx, report, claim); err != nil {
			continue
		}
		paid++
	}
	return paid, nil
}

func (s *EscrowService) payReward(ctx context.Context, report *model.Report, claim *model.Claim) error {
	res, err := s.ledger.Credit(ctx, &CreditRequest{
		UserID:       claim.FinderID,
		Amount:       report.Bounty,
		ReportRef:    report.ReportNo,
		Counterparty: report.ReporterID,
		Kind:         model.EntryKindReward,
		Remark:       "失物悬赏",
	})
	if err != nil {
		metrics.EscrowFailures.WithLabelValues("reward").Inc()
		zap.L().Error("悬赏发放失败，等待对账任务补发",
			zap.String("report_no", report.ReportNo),
			zap.String("finder_id", claim.FinderID),
			zap.Error(err))
		return fmt.Errorf("悬赏发放失败: %w", err)
	}
	if !res.Duplicate {
		metrics.TokensRewarded.Add(float64(report.Bounty))
	}
	return nil
}

// refund 补偿退款，失败只记录日志，由对账任务兜底
func (s *EscrowService) refund(ctx context.Context, userID string, amount int64, reportNo, remark string) bool {
	res, err := s.ledger.Credit(ctx, &CreditRequest{
		UserID:       userID,
		Amount:       amount,
		ReportRef:    reportNo,
		Counterparty: model.SystemParty,
		Kind:         model.EntryKindCredit,
		Remark:       remark,
	})
	if err != nil {
		zap.L().Error("悬赏退款失败，等待对账任务处理",
			zap.String("user_id", userID),
			zap.String("report_no", reportNo),
			zap.Int64("amount", amount),
			zap.Error(err))
		return false
	}
	if !res.Duplicate {
		metrics.TokensRefunded.Add(float64(amount))
	}
	return true
}

func (s *EscrowService) findByRequestID(ctx context.Context, who Identity, requestID string) (*model.Report, error) {
	existing, err := s.reports.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("查询报告失败: %w", err)
	}
	if existing == nil {
		return nil, nil
	}
	if existing.ReporterID != who.ID {
		return nil, fmt.Errorf("%w: request_id 已被占用", ErrConflict)
	}
	return existing, nil
}
