package job

import (
	"context"
	"time"

	"lostfound/internal/config"
	"lostfound/internal/service"

	"go.uber.org/zap"
)

// EscrowReconcileJob 悬赏托管对账任务
//
// 发布和确认都是两步操作，中间进程退出会留下两种不一致：
//  1. 悬赏已冻结，报告没有创建 -> 退回悬赏
//  2. 报告已确认，悬赏没有入账 -> 补发悬赏
//
// 两种处理都依赖入账幂等，重复执行不会多付。
type EscrowReconcileJob struct {
	escrow    *service.EscrowService
	cfg       *config.Config
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewEscrowReconcileJob(escrow *service.EscrowService, cfg *config.Config) *EscrowReconcileJob {
	return &EscrowReconcileJob{
		escrow:    escrow,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		interval:  cfg.Business.ReconcileInterval,
		batchSize: 50,
	}
}

func (j *EscrowReconcileJob) Start(ctx context.Context) {
	zap.L().Info("[EscrowReconcileJob] 对账任务启动", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("[EscrowReconcileJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			zap.L().Info("[EscrowReconcileJob] 任务停止")
			return
		case <-ticker.C:
			j.reconcile(ctx)
		}
	}
}

func (j *EscrowReconcileJob) Stop() {
	close(j.stopCh)
}

// reconcile 只处理 reconcile_after 之前的数据，给正在进行中的请求留出时间
func (j *EscrowReconcileJob) reconcile(ctx context.Context) {
	before := time.Now().Add(-j.cfg.Business.ReconcileAfter)

	refunded, err := j.escrow.RefundOrphanReservations(ctx, before, j.batchSize)
	if err != nil {
		zap.L().Error("[EscrowReconcileJob] 退回孤立悬赏失败", zap.Error(err))
	} else if refunded > 0 {
		zap.L().Info("[EscrowReconcileJob] 已退回孤立悬赏", zap.Int("count", refunded))
	}

	paid, err := j.escrow.PayMissingRewards(ctx, before, j.batchSize)
	if err != nil {
		zap.L().Error("[EscrowReconcileJob] 补发悬赏失败", zap.Error(err))
	} else if paid > 0 {
		zap.L().Info("[EscrowReconcileJob] 已补发悬赏", zap.Int("count", paid))
	}
}
