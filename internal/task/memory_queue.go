package task

import (
	"context"
	stdErrors "errors"
	"strconv"
	"sync"

	xerrors "CivicNotice/internal/errors"
)

var (
	// ErrQueueFull 表示内存队列缓冲区已满，投递方不会阻塞等待。
	ErrQueueFull = stdErrors.New("memory queue is full")
	// ErrQueueClosed 表示队列已关闭。
	ErrQueueClosed = stdErrors.New("queue is closed")
)

// MemoryQueue 是进程内的有界任务队列。缓冲区满时 Publish 立即失败，
// 任务仍保留在存储中，由 Recover 重新投递。
type MemoryQueue struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue 创建容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		ch:   make(chan string, size),
		done: make(chan struct{}),
	}
}

// Publish 将任务 ID 放入缓冲区，返回的错误携带 TASK_PUBLISH_FAILED。
// ch 永不关闭，与 Close 并发调用是安全的。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, "投递任务已取消")
	}
	select {
	case <-q.done:
		return xerrors.Wrap(CodeTaskPublish, ErrQueueClosed, "内存队列已关闭")
	default:
	}
	select {
	case q.ch <- taskID:
		return nil
	default:
		return xerrors.Wrap(CodeTaskPublish, ErrQueueFull, "内存队列已满",
			xerrors.WithMetadata("capacity", strconv.Itoa(cap(q.ch))))
	}
}

// Consume 启动 workerCount 个协程消费任务，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case taskID := <-q.ch:
					_ = handler(ctx, taskID)
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
	case <-q.done:
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrQueueClosed
}

// Len 返回缓冲区中尚未消费的任务数。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close 通知消费者退出，可重复调用。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
