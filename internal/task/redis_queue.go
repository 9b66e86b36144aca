package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	xerrors "CivicNotice/internal/errors"
	"CivicNotice/pkg/logger"
)

const (
	defaultRedisQueue     = "civicnotice:jobs"
	defaultRedisBlockWait = 5 * time.Second
	redisDialTimeout      = 5 * time.Second
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 把公告任务 ID 存放在 Redis list 中：LPUSH 入队，BRPOP 出队，
// 先进先出。消息在 BRPOP 后即被移除，崩溃时由 Recover 重新投递。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
	log    *slog.Logger
}

// NewRedisQueue 连接 Redis 并确认可用。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "task_queue.redis.address 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = defaultRedisQueue
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = defaultRedisBlockWait
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败",
			xerrors.WithMetadata("address", cfg.Address))
	}
	return &RedisQueue{client: client, queue: queue, wait: wait, log: logger.Named("redis_queue")}, nil
}

// Publish 将任务 ID 追加到队尾。
func (q *RedisQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.queue, jobID).Err(); err != nil {
		if stdErrors.Is(err, redis.ErrClosed) {
			err = ErrQueueClosed
		}
		return xerrors.Wrap(CodeTaskPublish, err, "Redis 投递任务失败",
			xerrors.WithMetadata("queue", q.queue))
	}
	return nil
}

// Consume 启动 workerCount 个 BRPOP 循环。任一循环遇到 Redis 故障时全部退出并返回该错误。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				values, err := q.client.BRPop(gctx, q.wait, q.queue).Result()
				switch {
				case stdErrors.Is(err, redis.Nil):
					continue
				case err != nil:
					if ctxErr := gctx.Err(); ctxErr != nil {
						return ctxErr
					}
					return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败",
						xerrors.WithMetadata("queue", q.queue))
				case len(values) != 2:
					continue
				}

				jobID := values[1]
				if handlerErr := handler(gctx, jobID); handlerErr != nil && !xerrors.HasCode(handlerErr, CodeTaskPublish) {
					// 存储故障时把消息放回队尾，投递失败的任务已留在存储中等待恢复。
					if pushErr := q.client.LPush(gctx, q.queue, jobID).Err(); pushErr != nil {
						q.log.Warn("任务放回队列失败", slog.String("task_id", jobID), slog.Any("error", pushErr))
					}
				}
			}
		})
	}
	return g.Wait()
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
