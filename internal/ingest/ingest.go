package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/d60-Lab/payout-reconciler/internal/model"
)

// ErrInvalidNotification 通知报文不合法（调用方错误，映射为 4xx）
var ErrInvalidNotification = errors.New("invalid notification")

// NotificationKind 通知类型
type NotificationKind string

const (
	KindQueue  NotificationKind = "queue"  // 网关超时通知
	KindResult NotificationKind = "result" // 网关结果通知
)

// Notification 经过校验归一化后的通知，仅此结构可进入对账引擎
type Notification struct {
	Kind                NotificationKind
	CorrelationID       string
	Sender              string
	Recipient           string
	Amount              decimal.Decimal
	CheckoutRequestID   string
	ResponseDescription string
	ReceivedAt          time.Time
	Raw                 json.RawMessage
}

// Key 通知自身的幂等键：结果通知取 CheckoutRequestID，超时通知取 correlationId+kind
func (n *Notification) Key() string {
	if n.Kind == KindResult {
		return n.CheckoutRequestID
	}
	return n.CorrelationID + ":" + string(n.Kind)
}

// TargetStatus 通知推导的目标状态
func (n *Notification) TargetStatus() model.TxStatus {
	if n.Kind == KindQueue {
		return model.StatusTimedOut
	}
	if strings.Contains(strings.ToLower(n.ResponseDescription), "success") {
		return model.StatusCompleted
	}
	return model.StatusFailed
}

type queuePayload struct {
	OriginatorConversationID string `json:"OriginatorConversationID" validate:"required"`
}

type resultPayload struct {
	OriginatorConversationID string      `json:"OriginatorConversationID" validate:"required"`
	Sender                   string      `json:"Sender" validate:"required"`
	Recipient                string      `json:"Recipient" validate:"required"`
	Amount                   json.Number `json:"Amount" validate:"required"`
	CheckoutRequestID        string      `json:"CheckoutRequestID" validate:"required"`
	ResponseDescription      string      `json:"ResponseDescription" validate:"required"`
}

// Ingestor 入站通知的校验与归一化边界，本身不做任何持久化
type Ingestor struct {
	validate *validator.Validate
}

func NewIngestor() *Ingestor {
	return &Ingestor{validate: validator.New()}
}

// Queue 解析超时通知
func (i *Ingestor) Queue(body []byte) (*Notification, error) {
	var p queuePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if err := i.validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	return &Notification{
		Kind:          KindQueue,
		CorrelationID: p.OriginatorConversationID,
		ReceivedAt:    time.Now(),
		Raw:           json.RawMessage(body),
	}, nil
}

// Result 解析结果通知，必填字段缺任何一个都拒绝
func (i *Ingestor) Result(body []byte) (*Notification, error) {
	var p resultPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if err := i.validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	amount, err := decimal.NewFromString(p.Amount.String())
	if err != nil {
		return nil, fmt.Errorf("%w: bad amount %q", ErrInvalidNotification, p.Amount)
	}
	return &Notification{
		Kind:                KindResult,
		CorrelationID:       p.OriginatorConversationID,
		Sender:              p.Sender,
		Recipient:           p.Recipient,
		Amount:              amount,
		CheckoutRequestID:   p.CheckoutRequestID,
		ResponseDescription: p.ResponseDescription,
		ReceivedAt:          time.Now(),
		Raw:                 json.RawMessage(body),
	}, nil
}
