package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/d60-Lab/payout-reconciler/internal/ingest"
	"github.com/d60-Lab/payout-reconciler/internal/model"
	"github.com/d60-Lab/payout-reconciler/internal/repository"
	"github.com/d60-Lab/payout-reconciler/pkg/logger"
)

// OutcomePublisher 终态结果下发
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, ev *model.OutcomeEvent) error
}

// Reconciler 将异步回调与本地待决事务匹配并落地结果
type Reconciler struct {
	repo      repository.TransactionRepository
	publisher OutcomePublisher
}

func NewReconciler(repo repository.TransactionRepository, publisher OutcomePublisher) *Reconciler {
	return &Reconciler{repo: repo, publisher: publisher}
}

// Reconcile 处理一条已校验的通知。孤儿通知与重放返回 (nil, nil)，
// 只有首次进入终态的迁移才会产生并下发 OutcomeEvent。
func (r *Reconciler) Reconcile(ctx context.Context, n *ingest.Notification) (*model.OutcomeEvent, error) {
	rec, err := r.repo.GetByCorrelationID(ctx, n.CorrelationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// 孤儿通知：本地无能为力，确认收到以免网关重投风暴
			logger.Warn("orphan notification",
				zap.String("correlation_id", n.CorrelationID),
				zap.String("kind", string(n.Kind)))
			return nil, nil
		}
		return nil, err
	}

	target := n.TargetStatus()

	// 终态之后才到的超时通知是过期重复，不算冲突
	if n.Kind == ingest.KindQueue && rec.Status.Terminal() {
		logger.Info("stale timeout after terminal state",
			zap.String("correlation_id", n.CorrelationID),
			zap.String("status", string(rec.Status)))
		return nil, nil
	}

	rec, applied, err := r.repo.Transition(ctx, n.CorrelationID, n.Key(), target, repository.TransitionPayload{
		CheckoutRequestID: n.CheckoutRequestID,
		Raw:               string(n.Raw),
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) && n.Kind == ingest.KindQueue {
			// 超时与结果并发竞争，结果已赢，忽略
			logger.Info("timeout lost race to result", zap.String("correlation_id", n.CorrelationID))
			return nil, nil
		}
		return nil, err
	}

	if !applied {
		// 重放：结果早已落地，不重复下发
		logger.Info("duplicate notification replayed",
			zap.String("correlation_id", n.CorrelationID),
			zap.String("key", n.Key()))
		return nil, nil
	}

	if !rec.Status.Terminal() {
		return nil, nil
	}

	// commit 之后才投递；投递失败只降级告警，已提交的对账结果不回滚
	ev := model.NewOutcomeEvent(rec)
	if err := r.publisher.PublishOutcome(ctx, ev); err != nil {
		logger.Error("outcome publish degraded",
			zap.String("correlation_id", ev.CorrelationID),
			zap.Error(err))
	}
	return ev, nil
}
