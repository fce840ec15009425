package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxStatus 付款事务状态
type TxStatus string

// 状态机：submitted -> {timed_out, completed, failed}；timed_out -> {completed, failed}；
// completed / failed 为终态，终态记录不可变。
const (
	StatusSubmitted TxStatus = "submitted"
	StatusTimedOut  TxStatus = "timed_out"
	StatusCompleted TxStatus = "completed"
	StatusFailed    TxStatus = "failed"
)

// Terminal 是否为终态
func (s TxStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var forward = map[TxStatus][]TxStatus{
	StatusSubmitted: {StatusTimedOut, StatusCompleted, StatusFailed},
	StatusTimedOut:  {StatusCompleted, StatusFailed},
}

// CanTransition 状态只允许前进
func (s TxStatus) CanTransition(to TxStatus) bool {
	for _, t := range forward[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Transaction 一笔对外付款及其对账生命周期，按 correlation_id 唯一，只增不删
type Transaction struct {
	CorrelationID     string          `json:"correlation_id" gorm:"primaryKey;size:64"`
	Sender            string          `json:"sender" gorm:"size:255;not null"`
	Recipient         string          `json:"recipient" gorm:"size:255;not null"`
	Amount            decimal.Decimal `json:"amount" gorm:"type:decimal(10,2);not null"`
	Status            TxStatus        `json:"status" gorm:"size:50;index;not null;default:submitted"`
	CheckoutRequestID *string         `json:"checkout_request_id,omitempty" gorm:"size:255;uniqueIndex"`
	ConversationID    string          `json:"conversation_id,omitempty" gorm:"size:255"`
	NotificationKey   *string         `json:"-" gorm:"size:255"`
	RawResult         string          `json:"-" gorm:"type:text"` // 原始通知报文，留作审计
	CreatedAt         time.Time       `json:"created_at" gorm:"not null"`
	FinalizedAt       *time.Time      `json:"finalized_at,omitempty"`
}

// TableName 指定表名
func (Transaction) TableName() string {
	return "transactions"
}
