package handler

import (
	"github.com/d60-Lab/payout-reconciler/internal/cache"
	"github.com/d60-Lab/payout-reconciler/internal/ingest"
	"github.com/d60-Lab/payout-reconciler/internal/mpesa"
	"github.com/d60-Lab/payout-reconciler/internal/service"
)

// Handler 聚合所有 HTTP 处理器依赖
type Handler struct {
	ingestor    *ingest.Ingestor
	reconciler  *service.Reconciler
	client      *mpesa.Client
	statusCache *cache.StatusCache
}

func New(ingestor *ingest.Ingestor, reconciler *service.Reconciler, client *mpesa.Client, statusCache *cache.StatusCache) *Handler {
	return &Handler{
		ingestor:    ingestor,
		reconciler:  reconciler,
		client:      client,
		statusCache: statusCache,
	}
}
