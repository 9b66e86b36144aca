package task

import "context"

// Handler 处理一条公告任务消息。返回错误时由队列实现决定是否重新投递，
// 处理器自身的重试通过重新 Publish 完成。
type Handler func(ctx context.Context, jobID string) error

// Producer 投递公告任务 ID。实现不得无限期阻塞：无法立即投递时返回
// TASK_PUBLISH_FAILED，任务留在存储中等待 Recover。
type Producer interface {
	Publish(ctx context.Context, jobID string) error
	Close() error
}

// Consumer 以固定数量的工作协程消费任务，直到 ctx 结束。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 是 memory、redis、rabbitmq 与 nats 四种驱动的公共接口。
type Queue interface {
	Producer
	Consumer
}

var (
	_ Queue = (*MemoryQueue)(nil)
	_ Queue = (*RedisQueue)(nil)
	_ Queue = (*RabbitMQQueue)(nil)
	_ Queue = (*NATSQueue)(nil)
)
