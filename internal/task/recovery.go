package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strconv"
	"time"

	xerrors "CivicNotice/internal/errors"
	"CivicNotice/internal/observability/metrics"
	"CivicNotice/pkg/logger"
)

const (
	recoveryPageSize       = 100
	recoveryInitialBackoff = 10 * time.Millisecond
	recoveryMaxBackoff     = 500 * time.Millisecond
)

// Recover 接管上次进程遗留的任务：pending 与仍可重试的 failed 任务重新入队，
// running 任务记为 TASK_INTERRUPTED 后按剩余重试次数重新入队。
// 队列已满时不等待，未能入队的任务保留在存储中并通过返回的错误报告。
// 返回成功入队的任务数量。
func (p *Processor) Recover(ctx context.Context) (int, error) {
	leftovers, err := p.prepareRecovery(ctx)
	if err != nil {
		return 0, err
	}
	return p.publishRecovered(ctx, leftovers, false)
}

// prepareRecovery 必须在消费者启动前调用，此时 running 状态只可能来自上一个进程。
func (p *Processor) prepareRecovery(ctx context.Context) ([]*Task, error) {
	if p.store == nil || p.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}

	var leftovers []*Task
	for _, status := range []Status{StatusPending, StatusFailed} {
		tasks, err := p.collect(ctx, status)
		if err != nil {
			return nil, err
		}
		for _, task := range tasks {
			if !task.Finished() {
				leftovers = append(leftovers, task)
			}
		}
	}
	running, err := p.collect(ctx, StatusRunning)
	if err != nil {
		return nil, err
	}

	for _, task := range running {
		terminal := task.Attempts >= task.MaxRetries
		interrupted := xerrors.New(CodeTaskInterrupted, "job was interrupted by a service restart")
		if err := p.store.MarkFailed(ctx, task.ID, CodeTaskInterrupted, xerrors.PublicMessage(interrupted), terminal); err != nil {
			return nil, err
		}
		metrics.ObserveJob(string(StatusFailed))
		if terminal {
			p.emitAlert(ctx, task, CodeTaskInterrupted, interrupted)
			continue
		}
		leftovers = append(leftovers, task)
	}
	if len(running) > 0 {
		logger.Audit().Info("已标记中断任务", slog.Int("interrupted", len(running)))
	}
	return leftovers, nil
}

// publishRecovered 逐个投递遗留任务。wait 为 true 时消费者已在运行，
// 队列满会退避重试直到 ctx 结束；否则立即放弃该任务。
func (p *Processor) publishRecovered(ctx context.Context, tasks []*Task, wait bool) (int, error) {
	var (
		requeued int
		failures []error
	)
	for _, task := range tasks {
		err := p.producer.Publish(ctx, task.ID)
		backoff := recoveryInitialBackoff
		for wait && err != nil && stdErrors.Is(err, ErrQueueFull) {
			select {
			case <-ctx.Done():
				return requeued, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, recoveryMaxBackoff)
			err = p.producer.Publish(ctx, task.ID)
		}
		if err != nil {
			failures = append(failures, err)
			continue
		}
		requeued++
	}

	if requeued > 0 || len(failures) > 0 {
		logger.Audit().Info("已恢复遗留任务",
			slog.Int("requeued", requeued),
			slog.Int("unpublished", len(failures)),
		)
	}
	if len(failures) > 0 {
		return requeued, xerrors.Wrap(CodeTaskPublish, stdErrors.Join(failures...), "恢复任务入队失败",
			xerrors.WithMetadata("unpublished", strconv.Itoa(len(failures))))
	}
	return requeued, nil
}

func (p *Processor) collect(ctx context.Context, status Status) ([]*Task, error) {
	var tasks []*Task
	for offset := 0; ; offset += recoveryPageSize {
		page, err := p.store.List(ctx, ListOptions{
			Limit:    recoveryPageSize,
			Offset:   offset,
			Statuses: []Status{status},
			Order:    SortByUpdatedAsc,
		})
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, page...)
		if len(page) < recoveryPageSize {
			return tasks, nil
		}
	}
}
