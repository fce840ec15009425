package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/payout-reconciler/internal/model"
	"github.com/d60-Lab/payout-reconciler/internal/repository"
)

const pendingTTL = 5 * time.Second

// StatusCache is a cache-aside read path for payout status lookups. Terminal
// records are immutable so they cache for the full TTL; pending ones only get
// a short TTL to keep the read fresh while callbacks are still expected.
type StatusCache struct {
	repo repository.TransactionRepository
	rdb  *redis.Client
	ttl  time.Duration
}

func NewStatusCache(repo repository.TransactionRepository, rdb *redis.Client, ttl time.Duration) *StatusCache {
	return &StatusCache{repo: repo, rdb: rdb, ttl: ttl}
}

func statusKey(correlationID string) string {
	return "payout:status:" + correlationID
}

func (s *StatusCache) Get(ctx context.Context, correlationID string) (*model.Transaction, error) {
	key := statusKey(correlationID)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var tx model.Transaction
		if uErr := json.Unmarshal(data, &tx); uErr == nil {
			return &tx, nil
		}
	}

	tx, err := s.repo.GetByCorrelationID(ctx, correlationID)
	if err != nil {
		return nil, err
	}

	ttl := pendingTTL
	if tx.Status.Terminal() {
		ttl = s.ttl
	}
	if payload, err := json.Marshal(tx); err == nil {
		_ = s.rdb.Set(ctx, key, payload, ttl).Err()
	}
	return tx, nil
}
