package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/d60-Lab/payout-reconciler/internal/model"
	"github.com/d60-Lab/payout-reconciler/pkg/logger"
)

// RabbitMQ 持久化队列接入：消费待处理付款请求，下发对账结果
type RabbitMQ struct {
	conn         *amqp.Connection
	channel      *amqp.Channel
	requestQueue string
	outcomeQueue string
}

func NewRabbitMQ(url, requestQueue, outcomeQueue string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	// 两个队列都声明为 durable，消息本身按持久投递发布，broker 重启不丢
	for _, q := range []string{requestQueue, outcomeQueue} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	return &RabbitMQ{conn: conn, channel: ch, requestQueue: requestQueue, outcomeQueue: outcomeQueue}, nil
}

func (r *RabbitMQ) Close() {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		r.conn.Close()
	}
}

// PublishOutcome 把终态事件投到 outcomes 队列。
// 瞬时失败做有界退避重试，重试耗尽只上报降级，不影响已提交的对账结果。
func (r *RabbitMQ) PublishOutcome(ctx context.Context, ev *model.OutcomeEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.channel.PublishWithContext(ctx, "", r.outcomeQueue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(4))
	if err != nil {
		return fmt.Errorf("publish outcome %s: %w", ev.CorrelationID, err)
	}
	logger.Info("outcome published",
		zap.String("correlation_id", ev.CorrelationID),
		zap.String("status", string(ev.Status)))
	return nil
}
