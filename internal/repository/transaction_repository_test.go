package repository

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/d60-Lab/payout-reconciler/internal/model"
)

func setupRepo(t *testing.T) TransactionRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Transaction{}))
	return NewTransactionRepository(db)
}

func newTx(correlationID string) *model.Transaction {
	return &model.Transaction{
		CorrelationID: correlationID,
		Sender:        "600999",
		Recipient:     "254700000000",
		Amount:        decimal.RequireFromString("10.00"),
		Status:        model.StatusSubmitted,
	}
}

func TestCreateAndGet(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTx("c1")))

	got, err := repo.GetByCorrelationID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSubmitted, got.Status)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("10.00")))
	assert.False(t, got.CreatedAt.IsZero())

	_, err = repo.GetByCorrelationID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionIdempotent(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newTx("c1")))

	first, applied, err := repo.Transition(ctx, "c1", "CR1", model.StatusCompleted, TransitionPayload{CheckoutRequestID: "CR1", Raw: `{"ok":1}`})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.StatusCompleted, first.Status)
	require.NotNil(t, first.FinalizedAt)

	// 同一幂等键重放：不再变更，返回首次结果
	second, applied, err := repo.Transition(ctx, "c1", "CR1", model.StatusCompleted, TransitionPayload{CheckoutRequestID: "CR1", Raw: `{"ok":1}`})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, first.Status, second.Status)

	got, err := repo.GetByCorrelationID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	require.NotNil(t, got.CheckoutRequestID)
	assert.Equal(t, "CR1", *got.CheckoutRequestID)
}

func TestTransitionForwardOnly(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newTx("c1")))

	_, _, err := repo.Transition(ctx, "c1", "CR1", model.StatusCompleted, TransitionPayload{CheckoutRequestID: "CR1"})
	require.NoError(t, err)

	// 终态不允许被另一个结局覆盖
	_, _, err = repo.Transition(ctx, "c1", "CR2", model.StatusFailed, TransitionPayload{CheckoutRequestID: "CR2"})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := repo.GetByCorrelationID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
}

func TestTransitionSameKeyDifferentOutcome(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newTx("c1")))

	_, _, err := repo.Transition(ctx, "c1", "CR1", model.StatusCompleted, TransitionPayload{CheckoutRequestID: "CR1"})
	require.NoError(t, err)

	// 同一 CheckoutRequestID 给出相反结果，按外部契约不可能，报冲突
	_, _, err = repo.Transition(ctx, "c1", "CR1", model.StatusFailed, TransitionPayload{CheckoutRequestID: "CR1"})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := repo.GetByCorrelationID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
}

func TestTimeoutThenResult(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newTx("c1")))

	rec, applied, err := repo.Transition(ctx, "c1", "c1:queue", model.StatusTimedOut, TransitionPayload{Raw: `{}`})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.StatusTimedOut, rec.Status)
	assert.Nil(t, rec.FinalizedAt)

	// timed_out 非终态，之后的结果通知仍然生效
	rec, applied, err = repo.Transition(ctx, "c1", "CR1", model.StatusCompleted, TransitionPayload{CheckoutRequestID: "CR1"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.StatusCompleted, rec.Status)
}

func TestTransitionUnknownCorrelationID(t *testing.T) {
	repo := setupRepo(t)
	_, _, err := repo.Transition(context.Background(), "nope", "k", model.StatusCompleted, TransitionPayload{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetConversationID(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newTx("c1")))

	require.NoError(t, repo.SetConversationID(ctx, "c1", "AG_123"))
	got, err := repo.GetByCorrelationID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "AG_123", got.ConversationID)

	assert.ErrorIs(t, repo.SetConversationID(ctx, "missing", "x"), ErrNotFound)
}

func TestTransitionConcurrentDuplicates(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newTx("c1")))

	const n = 16
	appliedCount := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, applied, err := repo.Transition(ctx, "c1", "CR1", model.StatusCompleted, TransitionPayload{CheckoutRequestID: "CR1"})
			if err != nil {
				return
			}
			mu.Lock()
			if applied {
				appliedCount++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	// 并发重复投递只允许一次真实落地
	assert.Equal(t, 1, appliedCount)
	got, err := repo.GetByCorrelationID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
}
