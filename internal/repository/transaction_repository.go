package repository

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/d60-Lab/payout-reconciler/internal/model"
)

var (
	// ErrNotFound 未知 correlationId
	ErrNotFound = errors.New("transaction not found")
	// ErrConflict 状态机违例：终态被不同结局覆盖，或同一幂等键给出相反结果
	ErrConflict = errors.New("conflicting transaction transition")
)

// TransitionPayload 状态迁移时落库的通知内容
type TransitionPayload struct {
	CheckoutRequestID string
	Raw               string
}

// TransactionRepository 付款事务仓储
type TransactionRepository interface {
	// Create 提交前先落 submitted 记录
	Create(ctx context.Context, tx *model.Transaction) error

	// GetByCorrelationID 按关联 ID 查询
	GetByCorrelationID(ctx context.Context, correlationID string) (*model.Transaction, error)

	// SetConversationID 回填网关分配的会话 ID
	SetConversationID(ctx context.Context, correlationID, conversationID string) error

	// Transition 原子且幂等的状态迁移。
	// 同一 notificationKey 重放时不再修改记录，返回已存结果且 applied=false；
	// 前进图之外的迁移返回 ErrConflict 且记录保持不变。
	Transition(ctx context.Context, correlationID, notificationKey string, target model.TxStatus, payload TransitionPayload) (*model.Transaction, bool, error)
}

const lockStripes = 64

type transactionRepository struct {
	db    *gorm.DB
	locks [lockStripes]sync.Mutex
}

func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{db: db}
}

// lockFor 按 correlationId 分片加锁，串行化同一笔事务的并发迁移
func (r *transactionRepository) lockFor(correlationID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(correlationID))
	return &r.locks[h.Sum32()%lockStripes]
}

func (r *transactionRepository) Create(ctx context.Context, tx *model.Transaction) error {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	if tx.Status == "" {
		tx.Status = model.StatusSubmitted
	}
	return r.db.WithContext(ctx).Create(tx).Error
}

func (r *transactionRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*model.Transaction, error) {
	var tx model.Transaction
	err := r.db.WithContext(ctx).Where("correlation_id = ?", correlationID).First(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &tx, nil
}

func (r *transactionRepository) SetConversationID(ctx context.Context, correlationID, conversationID string) error {
	res := r.db.WithContext(ctx).Model(&model.Transaction{}).
		Where("correlation_id = ?", correlationID).
		Update("conversation_id", conversationID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *transactionRepository) Transition(ctx context.Context, correlationID, notificationKey string, target model.TxStatus, payload TransitionPayload) (*model.Transaction, bool, error) {
	mu := r.lockFor(correlationID)
	mu.Lock()
	defer mu.Unlock()

	var out *model.Transaction
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur model.Transaction
		if err := tx.Where("correlation_id = ?", correlationID).First(&cur).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		// 同一通知重放：直接返回首次迁移的结果
		if cur.NotificationKey != nil && *cur.NotificationKey == notificationKey {
			if cur.Status == target {
				out = &cur
				return nil
			}
			// 同一幂等键给出不同结局，按约定不可能发生，留给人工审计
			return fmt.Errorf("%w: key %s already mapped %s, got %s", ErrConflict, notificationKey, cur.Status, target)
		}

		if !cur.Status.CanTransition(target) {
			return fmt.Errorf("%w: %s -> %s on %s", ErrConflict, cur.Status, target, correlationID)
		}

		updates := map[string]interface{}{
			"status":           target,
			"notification_key": notificationKey,
			"raw_result":       payload.Raw,
		}
		if payload.CheckoutRequestID != "" {
			updates["checkout_request_id"] = payload.CheckoutRequestID
		}
		var finalizedAt *time.Time
		if target.Terminal() {
			now := time.Now()
			finalizedAt = &now
			updates["finalized_at"] = now
		}

		// CAS：带上读到的旧状态做条件更新，并发迁移只有一个能落地
		res := tx.Model(&model.Transaction{}).
			Where("correlation_id = ? AND status = ?", correlationID, cur.Status).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: concurrent transition on %s", ErrConflict, correlationID)
		}

		cur.Status = target
		key := notificationKey
		cur.NotificationKey = &key
		cur.RawResult = payload.Raw
		if payload.CheckoutRequestID != "" {
			id := payload.CheckoutRequestID
			cur.CheckoutRequestID = &id
		}
		cur.FinalizedAt = finalizedAt
		out = &cur
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}
