package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OutcomeEvent 终态事务的一次性下发投影，入队后不再修改
type OutcomeEvent struct {
	CorrelationID     string          `json:"correlation_id"`
	Sender            string          `json:"sender"`
	Recipient         string          `json:"recipient"`
	Amount            decimal.Decimal `json:"amount"`
	Status            TxStatus        `json:"status"`
	CheckoutRequestID string          `json:"checkout_request_id,omitempty"`
	FinalizedAt       time.Time       `json:"finalized_at"`
}

// NewOutcomeEvent 从终态记录构造下发事件
func NewOutcomeEvent(tx *Transaction) *OutcomeEvent {
	ev := &OutcomeEvent{
		CorrelationID: tx.CorrelationID,
		Sender:        tx.Sender,
		Recipient:     tx.Recipient,
		Amount:        tx.Amount,
		Status:        tx.Status,
	}
	if tx.CheckoutRequestID != nil {
		ev.CheckoutRequestID = *tx.CheckoutRequestID
	}
	if tx.FinalizedAt != nil {
		ev.FinalizedAt = *tx.FinalizedAt
	}
	return ev
}
