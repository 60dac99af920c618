package handler

import (
	"errors"
	"net/http"
	"strconv"

	"lostfound/internal/config"
	"lostfound/internal/model"
	"lostfound/internal/service"
	"lostfound/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	ledgerService *service.LedgerService
	reportService *service.ReportService
	escrowService *service.EscrowService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Handler {
	ledger := service.NewLedgerService(db, rdb, cfg)
	reports := service.NewReportService(db, rdb, cfg)
	return &Handler{
		ledgerService: ledger,
		reportService: reports,
		escrowService: service.NewEscrowService(ledger, reports, rdb, cfg),
	}
}

// handleError 把服务层错误映射为 HTTP 状态码
func handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrInsufficientFunds):
		response.BusinessError(c, http.StatusBadRequest, response.CodeInsufficientFunds, err.Error())
	case errors.Is(err, service.ErrForbidden):
		response.Error(c, http.StatusForbidden, response.CodeForbidden, err.Error())
	case errors.Is(err, service.ErrReportNotFound):
		response.BusinessError(c, http.StatusNotFound, response.CodeReportNotFound, err.Error())
	case errors.Is(err, service.ErrClaimNotFound):
		response.BusinessError(c, http.StatusNotFound, response.CodeClaimNotFound, err.Error())
	case errors.Is(err, service.ErrConflict):
		response.BusinessError(c, http.StatusConflict, response.CodeAlreadyResolved, err.Error())
	case errors.Is(err, service.ErrBusy):
		response.BusinessError(c, http.StatusServiceUnavailable, response.CodeSystemBusy, service.ErrBusy.Error())
	default:
		zap.L().Error("请求处理失败",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		response.ServerError(c, "服务器内部错误")
	}
}

// ============================================================
// 账户相关接口
// ============================================================

// OpenAccount 注册开户，发放初始代币
// POST /api/v1/account/open
func (h *Handler) OpenAccount(c *gin.Context) {
	who := currentIdentity(c)

	result, err := h.ledgerService.OpenAccount(c.Request.Context(), who.ID)
	if err != nil {
		handleError(c, err)
		return
	}

	response.Created(c, gin.H{
		"user_id": result.Account.UserID,
		"balance": result.Account.Balance,
		"granted": !result.Duplicate,
	})
}

// GetMyAccount 查询余额和流水
// GET /api/v1/account/me
func (h *Handler) GetMyAccount(c *gin.Context) {
	who := currentIdentity(c)

	account, err := h.ledgerService.GetOrCreateAccount(c.Request.Context(), who.ID)
	if err != nil {
		handleError(c, err)
		return
	}

	history, err := h.ledgerService.History(c.Request.Context(), who.ID)
	if err != nil {
		handleError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id": account.UserID,
		"balance": account.Balance,
		"history": history,
	})
}

// ============================================================
// 失物相关接口
// ============================================================

// SecretPairRequest 私密校验信息
type SecretPairRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ReportLostItemRequest 发布失物请求
type ReportLostItemRequest struct {
	RequestID   string              `json:"request_id"` // 幂等ID，可选
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Location    string              `json:"location"`
	SecretPairs []SecretPairRequest `json:"secret_pairs"`
	Bounty      int64               `json:"bounty"`
	Image       string              `json:"image"`
}

// ReportLostItem 发布失物并冻结悬赏
// POST /api/v1/lost-items
//
// 【关键点】
// 1. 悬赏先冻结再创建报告，余额不足时不会产生报告
// 2. 带 request_id 的重复请求返回同一份报告，只冻结一次
func (h *Handler) ReportLostItem(c *gin.Context) {
	var req ReportLostItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	pairs := make([]model.SecretPair, 0, len(req.SecretPairs))
	for _, p := range req.SecretPairs {
		pairs = append(pairs, model.SecretPair{Key: p.Key, Value: p.Value})
	}

	report, err := h.escrowService.ReportLostItem(c.Request.Context(), currentIdentity(c), &service.ReportLostItemRequest{
		RequestID:   req.RequestID,
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		SecretPairs: pairs,
		Bounty:      req.Bounty,
		Image:       req.Image,
	})
	if err != nil {
		handleError(c, err)
		return
	}

	response.Created(c, report)
}

// ListLostItems 公共信息流，不包含私密校验信息
// GET /api/v1/lost-items?page=1&page_size=20
func (h *Handler) ListLostItems(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	reports, total, err := h.reportService.ListAll(c.Request.Context(), page, pageSize)
	if err != nil {
		handleError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      reports,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ListMyLostItems 我发布的失物
// GET /api/v1/lost-items/my
func (h *Handler) ListMyLostItems(c *gin.Context) {
	reports, err := h.reportService.ListByReporter(c.Request.Context(), currentIdentity(c).ID)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, reports)
}

// ListVerifying 我名下等待确认的失物
// GET /api/v1/lost-items/verifying
func (h *Handler) ListVerifying(c *gin.Context) {
	reports, err := h.reportService.ListVerifying(c.Request.Context(), currentIdentity(c).ID)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, reports)
}

// GetLostItem 失物详情，失主本人可以看到私密校验信息
// GET /api/v1/lost-items/:id
func (h *Handler) GetLostItem(c *gin.Context) {
	report, err := h.reportService.GetReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}

	if report.ReporterID == currentIdentity(c).ID {
		response.Success(c, report)
		return
	}
	response.Success(c, report.ToPublic())
}

// FoundClaimRequest 拾取申请请求
type FoundClaimRequest struct {
	Description string `json:"description"`
	Location    string `json:"location"`
	Image       string `json:"image"`
}

// SubmitFoundClaim 提交拾取申请
// POST /api/v1/lost-items/:id/found
func (h *Handler) SubmitFoundClaim(c *gin.Context) {
	var req FoundClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	report, err := h.escrowService.SubmitFoundClaim(c.Request.Context(), currentIdentity(c), c.Param("id"), &service.FoundClaimRequest{
		Description: req.Description,
		Location:    req.Location,
		Image:       req.Image,
	})
	if err != nil {
		handleError(c, err)
		return
	}

	response.Created(c, report.ToPublic())
}

// VerifyClaimRequest 确认或驳回请求
type VerifyClaimRequest struct {
	ClaimID string `json:"claim_id" binding:"required"`
	Accept  *bool  `json:"accept" binding:"required"`
}

// VerifyClaim 失主确认或驳回拾取申请
// PATCH /api/v1/lost-items/:id/verify
//
// 【关键点】确认后悬赏发放给拾取人，其余申请全部驳回；并发确认只有一个成功
func (h *Handler) VerifyClaim(c *gin.Context) {
	var req VerifyClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	report, err := h.escrowService.VerifyClaim(c.Request.Context(), currentIdentity(c), c.Param("id"), req.ClaimID, *req.Accept)
	if err != nil {
		handleError(c, err)
		return
	}

	response.Success(c, report)
}
