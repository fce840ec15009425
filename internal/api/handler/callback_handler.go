package handler

import (
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/payout-reconciler/internal/ingest"
	"github.com/d60-Lab/payout-reconciler/internal/repository"
	"github.com/d60-Lab/payout-reconciler/pkg/logger"
)

// 网关回调的应答约定：报文合法即回 200 success（含孤儿与重复，避免重投风暴），
// 仅报文本身不合法才回 4xx；存储不可用回 5xx 让网关重投。

// QueueTimeout 接收超时通知
// @Summary 网关超时通知回调
// @Tags 回调
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Router /b2c/queue [post]
func (h *Handler) QueueTimeout(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "failure", "reason": "invalid data"})
		return
	}
	n, err := h.ingestor.Queue(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "failure", "reason": err.Error()})
		return
	}
	h.reconcileAndReply(c, n)
}

// Result 接收结果通知
// @Summary 网关结果通知回调
// @Tags 回调
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Router /b2c/result [post]
func (h *Handler) Result(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "failure", "reason": "invalid data"})
		return
	}
	n, err := h.ingestor.Result(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "failure", "reason": err.Error()})
		return
	}
	h.reconcileAndReply(c, n)
}

func (h *Handler) reconcileAndReply(c *gin.Context, n *ingest.Notification) {
	_, err := h.reconciler.Reconcile(c.Request.Context(), n)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// 相反结果冲突：确认收到阻止重投，但必须留给人工审计
			logger.Error("conflicting notification, manual audit required",
				zap.String("correlation_id", n.CorrelationID),
				zap.String("key", n.Key()),
				zap.Error(err))
			sentry.CaptureException(err)
			c.JSON(http.StatusOK, gin.H{"status": "success"})
			return
		}
		// 存储不可用：不确认，让网关按自己的节奏重投
		logger.Error("reconcile failed", zap.String("correlation_id", n.CorrelationID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "failure", "reason": "server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}
