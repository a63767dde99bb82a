package jobs

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	xerrors "ChainForge/internal/errors"
)

// Delivery 是队列中传递的消息，只携带作业引用，作业内容以存储为准。
type Delivery struct {
	JobID      string    `json:"job_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewDelivery 为第 attempt 次执行构造消息。
func NewDelivery(jobID string, attempt int) Delivery {
	if attempt <= 0 {
		attempt = 1
	}
	return Delivery{JobID: jobID, Attempt: attempt, EnqueuedAt: time.Now().UTC()}
}

// Encode 序列化为 JSON。
func (d Delivery) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// QueueWait 返回消息在队列中等待的时长。
func (d Delivery) QueueWait(now time.Time) time.Duration {
	if d.EnqueuedAt.IsZero() || now.Before(d.EnqueuedAt) {
		return 0
	}
	return now.Sub(d.EnqueuedAt)
}

// DecodeDelivery 解析队列消息。非 JSON 的消息体按裸作业 ID 处理。
func DecodeDelivery(payload []byte) (Delivery, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return Delivery{}, xerrors.New(xerrors.CodeInvalidArgument, "空的队列消息")
	}
	if !strings.HasPrefix(text, "{") {
		return Delivery{JobID: text, Attempt: 1}, nil
	}
	var d Delivery
	if err := json.Unmarshal([]byte(text), &d); err != nil {
		return Delivery{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "队列消息格式错误")
	}
	if d.JobID == "" {
		return Delivery{}, xerrors.New(xerrors.CodeInvalidArgument, "队列消息缺少 job_id")
	}
	return d, nil
}

// Handler 处理一条队列消息。返回 error 表示需要队列重新投递。
type Handler func(ctx context.Context, d Delivery) error

// Producer 负责向队列投递作业。
type Producer interface {
	Publish(ctx context.Context, d Delivery) error
	Close() error
}

// Consumer 负责从队列中消费作业。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
