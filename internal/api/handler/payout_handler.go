package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/d60-Lab/payout-reconciler/internal/mpesa"
	"github.com/d60-Lab/payout-reconciler/internal/repository"
	"github.com/d60-Lab/payout-reconciler/pkg/response"
)

type submitRequest struct {
	Recipient string          `json:"recipient" binding:"required"`
	Amount    decimal.Decimal `json:"amount" binding:"required"`
	CommandID string          `json:"command_id"`
	Remarks   string          `json:"remarks"`
	Occasion  string          `json:"occasion"`
}

// Submit 发起一笔付款
// @Summary 发起 B2C 付款
// @Tags 付款
// @Accept json
// @Produce json
// @Param request body submitRequest true "付款请求"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 502 {object} response.Response
// @Security BearerAuth
// @Router /api/v1/payouts [post]
func (h *Handler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	correlationID, err := h.client.Submit(c.Request.Context(), mpesa.SubmitRequest{
		Recipient: req.Recipient,
		Amount:    req.Amount,
		CommandID: req.CommandID,
		Remarks:   req.Remarks,
		Occasion:  req.Occasion,
	})
	if err != nil {
		var de *mpesa.DisbursementError
		switch {
		case errors.Is(err, mpesa.ErrInvalidRequest):
			response.BadRequest(c, err.Error())
		case errors.As(err, &de):
			response.BadGateway(c, de.Description)
		default:
			response.InternalError(c, err)
		}
		return
	}
	response.Success(c, gin.H{"correlation_id": correlationID})
}

// Status 查询一笔付款的当前状态
// @Summary 查询付款状态
// @Tags 付款
// @Produce json
// @Param id path string true "correlation id"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Security BearerAuth
// @Router /api/v1/payouts/{id} [get]
func (h *Handler) Status(c *gin.Context) {
	tx, err := h.statusCache.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			response.NotFound(c, "payout not found")
			return
		}
		response.InternalError(c, err)
		return
	}
	response.Success(c, tx)
}
