package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	xerrors "CivicNotice/internal/errors"
)

// NATSQueueConfig 描述 NATS 队列的连接参数。
type NATSQueueConfig struct {
	URL     string
	Subject string
	Group   string
	Buffer  int
	// Embedded 为真时在进程内启动 NATS 服务器，URL 被忽略。Port 为 -1 表示随机端口。
	Embedded bool
	Port     int
}

// NATSQueue 基于 NATS 队列组分发任务。Core NATS 不持久化消息，
// 进程重启时遗留的任务依靠 Processor.Recover 重新入队。
type NATSQueue struct {
	server  *natsserver.Server
	conn    *nats.Conn
	subject string
	sub     *nats.Subscription
	msgs    chan *nats.Msg

	mu     sync.Mutex
	closed bool
}

// NewNATSQueue 连接（或内嵌启动）NATS 并立即加入队列组，保证之后发布的任务不会丢失。
func NewNATSQueue(cfg NATSQueueConfig) (*NATSQueue, error) {
	subject := cfg.Subject
	if subject == "" {
		subject = "civicnotice.jobs"
	}
	group := cfg.Group
	if group == "" {
		group = "civicnotice-workers"
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 1024
	}

	q := &NATSQueue{subject: subject, msgs: make(chan *nats.Msg, buffer)}
	url := cfg.URL
	if cfg.Embedded {
		ns, err := natsserver.NewServer(&natsserver.Options{
			Host:   "127.0.0.1",
			Port:   cfg.Port,
			NoLog:  true,
			NoSigs: true,
		})
		if err != nil {
			return nil, fmt.Errorf("创建内嵌 NATS 服务器失败: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return nil, errors.New("内嵌 NATS 服务器未就绪")
		}
		q.server = ns
		url = ns.ClientURL()
	}
	if url == "" {
		return nil, errors.New("NATS URL 不能为空")
	}

	conn, err := nats.Connect(url, nats.Name("civicnotice"))
	if err != nil {
		q.shutdownServer()
		return nil, fmt.Errorf("连接 NATS 失败: %w", err)
	}
	q.conn = conn

	sub, err := conn.ChanQueueSubscribe(subject, group, q.msgs)
	if err != nil {
		conn.Close()
		q.shutdownServer()
		return nil, fmt.Errorf("订阅 NATS 主题失败: %w", err)
	}
	q.sub = sub
	if err := conn.Flush(); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("同步 NATS 订阅失败: %w", err)
	}
	return q, nil
}

// ClientURL 返回当前连接的服务器地址。
func (q *NATSQueue) ClientURL() string {
	if q.conn == nil {
		return ""
	}
	return q.conn.ConnectedUrl()
}

// Publish 将任务投递到 NATS 主题。
func (q *NATSQueue) Publish(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return errors.New("队列已关闭")
	}
	if err := q.conn.Publish(q.subject, []byte(taskID)); err != nil {
		return fmt.Errorf("NATS 发布任务失败: %w", err)
	}
	return nil
}

// Consume 启动指定数量的工作协程处理订阅到的任务，处理失败的任务重新发布。
func (q *NATSQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
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
				case msg, ok := <-q.msgs:
					if !ok {
						return
					}
					taskID := string(msg.Data)
					if err := handler(ctx, taskID); err != nil && ctx.Err() == nil && !xerrors.HasCode(err, CodeTaskPublish) {
						_ = q.conn.Publish(q.subject, msg.Data)
					}
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 退订、关闭连接，并停止内嵌服务器。
func (q *NATSQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	var err error
	if q.sub != nil {
		err = q.sub.Unsubscribe()
	}
	if q.conn != nil {
		q.conn.Close()
	}
	q.shutdownServer()
	return err
}

func (q *NATSQueue) shutdownServer() {
	if q.server == nil {
		return
	}
	q.server.Shutdown()
	q.server.WaitForShutdown()
}
