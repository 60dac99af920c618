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
	"lostfound/internal/repository"
	"lostfound/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReportService 失物报告服务，负责报告和拾取申请的状态机，不碰账本
type ReportService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	reportRepo  *repository.ReportRepository
	outboxRepo  *repository.OutboxRepository
}

func NewReportService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *ReportService {
	return &ReportService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		reportRepo:  repository.NewReportRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

// CreateReportRequest 创建报告请求，调用前悬赏必须已经冻结
type CreateReportRequest struct {
	ReportNo     string // 由协调器预先分配，为空时自动生成
	RequestID    string
	ReporterID   string
	ReporterName string
	Title        string
	Description  string
	Location     string
	SecretPairs  []model.SecretPair
	Bounty       int64
	Image        string
}

func (r *CreateReportRequest) Validate(minBounty int64) error {
	if strings.TrimSpace(r.ReporterID) == "" {
		return validationError("失主标识不能为空")
	}
	if strings.TrimSpace(r.Title) == "" {
		return validationError("标题不能为空")
	}
	if strings.TrimSpace(r.Description) == "" {
		return validationError("描述不能为空")
	}
	if strings.TrimSpace(r.Location) == "" {
		return validationError("丢失地点不能为空")
	}
	if len(r.SecretPairs) == 0 {
		return validationError("至少需要一条私密校验信息")
	}
	for i, p := range r.SecretPairs {
		if strings.TrimSpace(p.Key) == "" || strings.TrimSpace(p.Value) == "" {
			return validationError("第 %d 条私密校验信息的 key 和 value 都不能为空", i+1)
		}
	}
	if r.Bounty < minBounty {
		return validationError("悬赏不能低于 %d", minBounty)
	}
	return nil
}

// SubmitClaimRequest 提交拾取申请
type SubmitClaimRequest struct {
	FinderID    string
	FinderName  string
	Description string
	Location    string
	Image       string
}

func (r *SubmitClaimRequest) Validate() error {
	if strings.TrimSpace(r.FinderID) == "" {
		return validationError("拾取人标识不能为空")
	}
	if strings.TrimSpace(r.Description) == "" {
		return validationError("描述不能为空")
	}
	if strings.TrimSpace(r.Location) == "" {
		return validationError("拾取地点不能为空")
	}
	return nil
}

// CreateReport 创建失物报告，初始状态 Lost
func (s *ReportService) CreateReport(ctx context.Context, req *CreateReportRequest) (*model.Report, error) {
	if err := req.Validate(s.cfg.Business.MinBounty); err != nil {
		return nil, err
	}

	report := &model.Report{
		ReportNo:     req.ReportNo,
		RequestID:    req.RequestID,
		ReporterID:   req.ReporterID,
		ReporterName: req.ReporterName,
		Title:        strings.TrimSpace(req.Title),
		Description:  strings.TrimSpace(req.Description),
		Location:     strings.TrimSpace(req.Location),
		SecretPairs:  req.SecretPairs,
		Bounty:       req.Bounty,
		Status:       model.ReportStatusLost,
		Verified:     false,
		Image:        req.Image,
		Claims:       []model.Claim{},
	}
	if report.ReportNo == "" {
		report.ReportNo = idgen.GenerateReportNo()
	}
	if report.RequestID == "" {
		report.RequestID = uuid.NewString()
	}
	if report.ReporterName == "" {
		report.ReporterName = report.ReporterID
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.reportRepo.Create(ctx, tx, report); err != nil {
			return fmt.Errorf("创建报告失败: %w", err)
		}
		return s.publish(ctx, tx, model.EventReportCreated, report, map[string]interface{}{
			"reporter_id": report.ReporterID,
			"bounty":      report.Bounty,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.ReportsCreated.Inc()
	return report, nil
}

// SubmitClaim 追加一条拾取申请
func (s *ReportService) SubmitClaim(ctx context.Context, reportNo string, req *SubmitClaimRequest) (*model.Report, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	finderName := req.FinderName
	if finderName == "" {
		finderName = req.FinderID
	}

	unlock, err := acquire(ctx, lock.NewReportLock(s.redisClient, reportNo, s.cfg.Business.LockExpiration), &s.cfg.Business)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var report *model.Report
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := s.reportRepo.GetByReportNoForUpdate(ctx, tx, reportNo)
		if err != nil {
			return translateReportError(err)
		}

		r.AddClaim(model.Claim{
			ClaimNo:     idgen.GenerateClaimNo(),
			ReportID:    r.ID,
			FinderID:    req.FinderID,
			FinderName:  finderName,
			Description: strings.TrimSpace(req.Description),
			Location:    strings.TrimSpace(req.Location),
			Image:       req.Image,
		})
		claim := &r.Claims[len(r.Claims)-1]

		if err := s.reportRepo.CreateClaim(ctx, tx, claim); err != nil {
			return fmt.Errorf("创建拾取申请失败: %w", err)
		}
		if err := s.reportRepo.SaveState(ctx, tx, r); err != nil {
			return translateReportError(err)
		}
		if err := s.publish(ctx, tx, model.EventClaimSubmitted, r, map[string]interface{}{
			"claim_no":  claim.ClaimNo,
			"finder_id": claim.FinderID,
		}); err != nil {
			return err
		}

		report = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ClaimsSubmitted.Inc()
	return report, nil
}

// ResolveClaim 失主确认（accept=true）或驳回（accept=false）一条申请
//
// 确认：目标申请 Accepted，其余全部 Rejected，报告 Found 且 verified=true
// 驳回：目标申请 Rejected，没有已确认申请时报告回到 Verifying
//
// 报告已经 Found 时再次确认返回 ErrConflict，先到者胜出。
func (s *ReportService) ResolveClaim(ctx context.Context, reportNo, claimNo, reporterID string, accept bool) (*model.Report, error) {
	unlock, err := acquire(ctx, lock.NewReportLock(s.redisClient, reportNo, s.cfg.Business.LockExpiration), &s.cfg.Business)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var report *model.Report
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := s.reportRepo.GetByReportNoForUpdate(ctx, tx, reportNo)
		if err != nil {
			return translateReportError(err)
		}

		target, changed, err := r.Resolve(claimNo, reporterID, accept)
		if err != nil {
			return translateReportError(err)
		}

		for _, c := range changed {
			if err := s.reportRepo.UpdateClaimStatus(ctx, tx, c.ID, c.Status); err != nil {
				return fmt.Errorf("更新申请状态失败: %w", err)
			}
		}
		if err := s.reportRepo.SaveState(ctx, tx, r); err != nil {
			return translateReportError(err)
		}
		if err := s.publish(ctx, tx, model.EventClaimResolved, r, map[string]interface{}{
			"claim_no":  target.ClaimNo,
			"finder_id": target.FinderID,
			"accepted":  accept,
			"bounty":    r.Bounty,
		}); err != nil {
			return err
		}

		report = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	outcome := "rejected"
	if accept {
		outcome = "accepted"
	}
	metrics.ClaimsResolved.WithLabelValues(outcome).Inc()
	return report, nil
}

// GetReport 查询报告详情（含私密信息，仅供失主查看）
func (s *ReportService) GetReport(ctx context.Context, reportNo string) (*model.Report, error) {
	report, err := s.reportRepo.GetByReportNo(ctx, nil, reportNo)
	if err != nil {
		return nil, translateReportError(err)
	}
	return report, nil
}

// GetByRequestID 按幂等请求号查询，不存在返回 nil
func (s *ReportService) GetByRequestID(ctx context.Context, requestID string) (*model.Report, error) {
	return s.reportRepo.GetByRequestID(ctx, requestID)
}

// ListByReporter 失主自己发布的报告，最新的在前
func (s *ReportService) ListByReporter(ctx context.Context, reporterID string) ([]*model.Report, error) {
	return s.reportRepo.ListByReporter(ctx, reporterID)
}

// ListVerifying 失主名下等待确认的报告
func (s *ReportService) ListVerifying(ctx context.Context, reporterID string) ([]*model.Report, error) {
	return s.reportRepo.ListByReporterAndStatus(ctx, reporterID, model.ReportStatusVerifying)
}

// ListAll 公共信息流，只返回公开字段
func (s *ReportService) ListAll(ctx context.Context, page, pageSize int) ([]model.PublicReport, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	reports, total, err := s.reportRepo.ListAll(ctx, page, pageSize)
	if err != nil {
		return nil, 0, err
	}

	result := make([]model.PublicReport, 0, len(reports))
	for _, r := range reports {
		result = append(result, r.ToPublic())
	}
	return result, total, nil
}

// FoundWithoutReward 已确认但悬赏未入账的报告
func (s *ReportService) FoundWithoutReward(ctx context.Context, before time.Time, limit int) ([]*model.Report, error) {
	return s.reportRepo.GetFoundWithoutReward(ctx, before, limit)
}

func (s *ReportService) publish(ctx context.Context, tx *gorm.DB, event string, r *model.Report, extra map[string]interface{}) error {
	payload := map[string]interface{}{
		"event":     event,
		"report_no": r.ReportNo,
		"status":    r.Status,
		"verified":  r.Verified,
		"at":        time.Now().Format(time.RFC3339),
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := s.outboxRepo.Publish(ctx, tx, s.cfg.Kafka.Topic.ReportEvents, event, r.ReportNo, payload); err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}

func translateReportError(err error) error {
	switch {
	case errors.Is(err, repository.ErrReportNotFound):
		return ErrReportNotFound
	case errors.Is(err, model.ErrNotReporter):
		return ErrForbidden
	case errors.Is(err, model.ErrClaimNotFound):
		return ErrClaimNotFound
	case errors.Is(err, model.ErrAlreadyResolved):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case errors.Is(err, repository.ErrOptimisticLock):
		return fmt.Errorf("%w: 报告已被并发修改", ErrConflict)
	default:
		zap.L().Error("报告存储异常", zap.Error(err))
		return fmt.Errorf("报告存储异常: %w", err)
	}
}
