package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/d60-Lab/payout-reconciler/internal/ingest"
	"github.com/d60-Lab/payout-reconciler/internal/model"
	"github.com/d60-Lab/payout-reconciler/internal/repository"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []*model.OutcomeEvent
}

func (f *fakePublisher) PublishOutcome(_ context.Context, ev *model.OutcomeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func setupReconciler(t *testing.T) (*Reconciler, repository.TransactionRepository, *fakePublisher) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Transaction{}))
	repo := repository.NewTransactionRepository(db)
	pub := &fakePublisher{}
	return NewReconciler(repo, pub), repo, pub
}

func seedSubmitted(t *testing.T, repo repository.TransactionRepository, correlationID string) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), &model.Transaction{
		CorrelationID: correlationID,
		Sender:        "600999",
		Recipient:     "254700000000",
		Amount:        decimal.RequireFromString("10.00"),
		Status:        model.StatusSubmitted,
	}))
}

func resultNotification(correlationID, checkoutRequestID, desc string) *ingest.Notification {
	raw, _ := json.Marshal(map[string]string{"CheckoutRequestID": checkoutRequestID, "ResponseDescription": desc})
	return &ingest.Notification{
		Kind:                ingest.KindResult,
		CorrelationID:       correlationID,
		Sender:              "600999",
		Recipient:           "254700000000",
		Amount:              decimal.RequireFromString("10.00"),
		CheckoutRequestID:   checkoutRequestID,
		ResponseDescription: desc,
		Raw:                 raw,
	}
}

func queueNotification(correlationID string) *ingest.Notification {
	return &ingest.Notification{
		Kind:          ingest.KindQueue,
		CorrelationID: correlationID,
		Raw:           json.RawMessage(`{}`),
	}
}

func TestReconcileRoundTrip(t *testing.T) {
	rec, repo, pub := setupReconciler(t)
	ctx := context.Background()
	seedSubmitted(t, repo, "c1")

	ev, err := rec.Reconcile(ctx, resultNotification("c1", "CR1", "Success"))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "c1", ev.CorrelationID)
	assert.Equal(t, model.StatusCompleted, ev.Status)
	assert.Equal(t, 1, pub.count())

	// 重放同一结果：不产生新事件，库里仍是同一行
	ev, err = rec.Reconcile(ctx, resultNotification("c1", "CR1", "Success"))
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Equal(t, 1, pub.count())

	got, err := repo.GetByCorrelationID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	require.NotNil(t, got.CheckoutRequestID)
	assert.Equal(t, "CR1", *got.CheckoutRequestID)
}

func TestReconcilePublishOnce(t *testing.T) {
	rec, repo, pub := setupReconciler(t)
	ctx := context.Background()
	seedSubmitted(t, repo, "c1")

	// N 次重复投递只下发一次
	for i := 0; i < 5; i++ {
		_, err := rec.Reconcile(ctx, resultNotification("c1", "CR1", "Success"))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, pub.count())
}

func TestReconcileOrphan(t *testing.T) {
	rec, repo, pub := setupReconciler(t)
	ctx := context.Background()

	// 孤儿通知：不建记录、不报错、不下发
	ev, err := rec.Reconcile(ctx, resultNotification("ghost", "CR9", "Success"))
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Equal(t, 0, pub.count())

	_, err = repo.GetByCorrelationID(ctx, "ghost")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestReconcileConflictingResult(t *testing.T) {
	rec, repo, pub := setupReconciler(t)
	ctx := context.Background()
	seedSubmitted(t, repo, "c1")

	_, err := rec.Reconcile(ctx, resultNotification("c1", "CR1", "Success"))
	require.NoError(t, err)

	_, err = rec.Reconcile(ctx, resultNotification("c1", "CR1", "Failed"))
	assert.ErrorIs(t, err, repository.ErrConflict)

	got, err := repo.GetByCorrelationID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 1, pub.count())
}

func TestReconcileTimeoutSuperseded(t *testing.T) {
	rec, repo, pub := setupReconciler(t)
	ctx := context.Background()
	seedSubmitted(t, repo, "c1")

	ev, err := rec.Reconcile(ctx, queueNotification("c1"))
	require.NoError(t, err)
	assert.Nil(t, ev) // timed_out 非终态，不下发

	got, err := repo.GetByCorrelationID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusTimedOut, got.Status)

	// 之后的结果通知仍然生效，最终状态以结果为准
	ev, err = rec.Reconcile(ctx, resultNotification("c1", "CR1", "Success"))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, model.StatusCompleted, ev.Status)
	assert.Equal(t, 1, pub.count())
}

func TestReconcileStaleTimeoutAfterTerminal(t *testing.T) {
	rec, repo, pub := setupReconciler(t)
	ctx := context.Background()
	seedSubmitted(t, repo, "c1")

	_, err := rec.Reconcile(ctx, resultNotification("c1", "CR1", "Success"))
	require.NoError(t, err)

	// 终态之后才到的超时通知视为过期重复，忽略而非冲突
	ev, err := rec.Reconcile(ctx, queueNotification("c1"))
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Equal(t, 1, pub.count())

	got, err := repo.GetByCorrelationID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
}

func TestReconcileFailureDescription(t *testing.T) {
	rec, repo, pub := setupReconciler(t)
	ctx := context.Background()
	seedSubmitted(t, repo, "c1")

	ev, err := rec.Reconcile(ctx, resultNotification("c1", "CR1", "The initiator information is invalid."))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, model.StatusFailed, ev.Status)
	assert.Equal(t, 1, pub.count())

	got, err := repo.GetByCorrelationID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
}
