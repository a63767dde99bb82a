package jobs

import (
	"context"
	"sync"

	xerrors "ChainForge/internal/errors"
)

// MemoryQueue 是基于 channel 的进程内队列，单机部署时使用。
type MemoryQueue struct {
	deliveries chan Delivery
	mu         sync.RWMutex
	closed     bool
}

// NewMemoryQueue 创建容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{deliveries: make(chan Delivery, size)}
}

// Publish 投递消息，队列满时阻塞到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, d Delivery) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "内存队列已关闭")
	}
	select {
	case q.deliveries <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len 返回当前积压的消息数。
func (q *MemoryQueue) Len() int {
	return len(q.deliveries)
}

// Consume 启动 workerCount 个协程处理消息，阻塞到 ctx 结束或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			q.work(ctx, handler)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) work(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-q.deliveries:
			if !ok {
				return
			}
			if err := handler(ctx, d); err != nil && ctx.Err() == nil {
				// 处理失败原样放回，交给下一个空闲协程。
				_ = q.Publish(ctx, d)
			}
		}
	}
}

// Close 关闭队列，正在运行的 Consume 会在消息耗尽后返回。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.deliveries)
	}
	return nil
}
