package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"CivicNotice/internal/agent"
	xerrors "CivicNotice/internal/errors"
	"CivicNotice/internal/notice"
	"CivicNotice/internal/observability/alerting"
	"CivicNotice/internal/observability/metrics"
	"CivicNotice/pkg/logger"
)

// Executor 定义了处理器所需的公告生成能力，*agent.Pipeline 满足该接口。
type Executor interface {
	Run(ctx context.Context, req notice.Request) (*agent.Run, error)
}

// Processor 负责从队列消费任务并交给流水线执行。
type Processor struct {
	executor       Executor
	store          Store
	consumer       Consumer
	producer       Producer
	workerCount    int
	logger         *slog.Logger
	alerter        alerting.Dispatcher
	recoverOnStart bool
	now            func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithRecoverOnStart 让 Start 在启动消费者前后接管遗留任务。
func WithRecoverOnStart() ProcessorOption {
	return func(p *Processor) {
		p.recoverOnStart = true
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("processor"),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	if !p.recoverOnStart {
		return p.consumer.Consume(ctx, p.workerCount, p.handle)
	}

	// 先在没有消费者时标记遗留任务，再在消费者运行后投递，避免有界队列写满后阻塞。
	leftovers, err := p.prepareRecovery(ctx)
	if err != nil {
		p.logger.Warn("恢复遗留任务失败", slog.Any("error", err))
	}
	consumeErr := make(chan error, 1)
	go func() {
		consumeErr <- p.consumer.Consume(ctx, p.workerCount, p.handle)
	}()
	if len(leftovers) > 0 {
		if _, err := p.publishRecovered(ctx, leftovers, true); err != nil && ctx.Err() == nil {
			p.logger.Warn("遗留任务入队失败", slog.Any("error", err))
		}
	}
	return <-consumeErr
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}
	metrics.ObserveJob(string(StatusRunning))

	run, execErr := p.executor.Run(ctx, task.Request)
	if execErr != nil {
		if ctx.Err() != nil {
			// 进程正在退出，任务保持 running，由下次启动时的 Recover 接管。
			p.logger.Info("任务因停机中断", slog.String("task_id", task.ID))
			return nil
		}
		return p.handleExecutionFailure(ctx, task, execErr)
	}

	result := resultOf(run)
	if err := p.store.MarkSucceeded(ctx, task.ID, result); err != nil {
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		if storeErr := p.store.MarkFailed(ctx, task.ID, CodeTaskProcessing, xerrors.PublicMessage(err), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
			return storeErr
		}
		metrics.ObserveJob(string(StatusFailed))
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 在标记成功失败后重投失败", task.ID))
		}
		return nil
	}
	metrics.ObserveJob(string(StatusSucceeded))
	logger.Audit().Info("公告任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("run_id", result.RunID),
		slog.String("title", task.Request.Title),
		slog.Int("attempts", task.Attempts),
	)
	return nil
}

func resultOf(run *agent.Run) Result {
	if run == nil {
		return Result{}
	}
	result := Result{RunID: run.ID, Notice: run.Text()}
	if run.Draft != nil {
		result.Draft = run.Draft.Text
	}
	if run.Final != nil {
		result.Model = run.Final.Model
	}
	return result
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, xerrors.PublicMessage(execErr), terminal); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	metrics.ObserveJob(string(StatusFailed))
	logger.Audit().Warn("公告任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("title", task.Request.Title),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal {
		p.emitAlert(ctx, task, code, execErr)
		return nil
	}
	if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
		// 任务保持可重试的 failed 状态，下次启动时由 Recover 重新投递。
		p.logger.Warn("任务重投失败", slog.String("task_id", task.ID), slog.Any("error", pubErr))
		return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
	}
	p.logger.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error) {
	if p.alerter == nil || task == nil {
		return
	}
	severity := xerrors.AttributesOf(code).Severity
	metadata := map[string]string{"department": task.Request.Department}
	if coded, ok := xerrors.From(cause); ok {
		severity = coded.Severity()
		if stage, found := coded.Metadata()["stage"]; found {
			metadata["stage"] = stage
		}
	}
	event := alerting.Event{
		Code:       code,
		Message:    xerrors.PublicMessage(cause),
		Severity:   severity,
		JobID:      task.ID,
		Title:      task.Request.Title,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: p.now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}
}
