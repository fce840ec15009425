package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/d60-Lab/payout-reconciler/internal/mpesa"
	"github.com/d60-Lab/payout-reconciler/pkg/logger"
)

// Submitter 付款发起方
type Submitter interface {
	Submit(ctx context.Context, req mpesa.SubmitRequest) (string, error)
}

// requestMessage 上游投入 transactions 队列的付款请求
type requestMessage struct {
	Sender    string      `json:"sender"`
	Recipient string      `json:"recipient"`
	Amount    json.Number `json:"amount"`
	Remarks   string      `json:"remarks,omitempty"`
}

// HandleRequest 处理一条付款请求消息。
// 报文错误与网关拒绝都不可重试，记录后丢弃；其余错误上抛由调用方决定。
func HandleRequest(ctx context.Context, submitter Submitter, body []byte) error {
	var msg requestMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return fmt.Errorf("%w: %v", mpesa.ErrInvalidRequest, err)
	}
	amount, err := decimal.NewFromString(msg.Amount.String())
	if err != nil {
		return fmt.Errorf("%w: bad amount %q", mpesa.ErrInvalidRequest, msg.Amount)
	}

	correlationID, err := submitter.Submit(ctx, mpesa.SubmitRequest{
		Recipient: msg.Recipient,
		Amount:    amount,
		Remarks:   msg.Remarks,
	})
	if err != nil {
		return err
	}
	logger.Info("queued payout request submitted",
		zap.String("correlation_id", correlationID),
		zap.String("recipient", msg.Recipient))
	return nil
}

// handleDelivery 对一条投递做 ack/nack 决策。落库之前的瞬时失败（取 token、
// 写库）requeue 重试；其余错误 ack 丢弃：报文错误不可重试，网关拒绝已落
// failed 记录，发送阶段的失败留给回调对账，重投会造成重复付款。
func handleDelivery(ctx context.Context, submitter Submitter, d amqp.Delivery) {
	err := HandleRequest(ctx, submitter, d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}
	if errors.Is(err, mpesa.ErrNotSubmitted) {
		logger.Warn("payout request requeued", zap.Error(err))
		_ = d.Nack(false, true)
		return
	}
	logger.Error("payout request dropped", zap.Error(err), zap.ByteString("body", d.Body))
	_ = d.Ack(false)
}

// ConsumeRequests 消费付款请求队列直到 ctx 取消，手动 ack。
func (r *RabbitMQ) ConsumeRequests(ctx context.Context, submitter Submitter) error {
	msgs, err := r.channel.Consume(r.requestQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}
	logger.Info("consuming payout requests", zap.String("queue", r.requestQueue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("request channel closed")
			}
			handleDelivery(ctx, submitter, d)
		}
	}
}
