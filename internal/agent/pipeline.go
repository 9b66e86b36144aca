package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "CivicNotice/internal/errors"
	"CivicNotice/internal/llm"
	"CivicNotice/internal/notice"
	"CivicNotice/pkg/logger"
)

// State 描述一次流水线运行所处的阶段。
type State string

const (
	StateNotStarted State = "not_started"
	StateDrafting   State = "drafting"
	StateReviewing  State = "reviewing"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// Terminal 判断状态是否为终态。
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Stage 标识流水线中的一次大模型调用。
type Stage string

const (
	StageDraft  Stage = "draft"
	StageReview Stage = "review"
)

// StageResult 是单个阶段的文本输出。
type StageResult struct {
	Stage    Stage         `json:"stage"`
	Text     string        `json:"text"`
	Model    string        `json:"model,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Run 记录一次流水线运行，仅在单个请求内使用。
type Run struct {
	ID         string
	Request    notice.Request
	State      State
	Draft      *StageResult
	Final      *StageResult
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Text 返回最终公告文本，未完成时为空。
func (r *Run) Text() string {
	if r == nil || r.Final == nil {
		return ""
	}
	return r.Final.Text
}

// Transition 描述一次状态迁移。Stage 与 Duration 为刚结束的阶段，Err 仅在进入 failed 时设置。
type Transition struct {
	RunID    string
	From     State
	To       State
	Stage    Stage
	Duration time.Duration
	Err      error
}

// Observer 接收流水线的状态迁移，用于日志与指标。
type Observer func(Transition)

// Pipeline 依次执行起草与审核两个阶段。
type Pipeline struct {
	client              llm.Client
	stageTimeout        time.Duration
	generatorDelegation bool
	defaultLanguage     string
	observers           []Observer
	now                 func() time.Time
}

// Option 定义可选的 Pipeline 配置。
type Option func(*Pipeline)

// WithStageTimeout 设置单个阶段的超时时间，<=0 表示只受调用方上下文约束。
func WithStageTimeout(timeout time.Duration) Option {
	return func(p *Pipeline) {
		if timeout < 0 {
			timeout = 0
		}
		p.stageTimeout = timeout
	}
}

// WithGeneratorDelegation 设置起草角色是否允许委派。
func WithGeneratorDelegation(allow bool) Option {
	return func(p *Pipeline) {
		p.generatorDelegation = allow
	}
}

// WithDefaultLanguage 设置请求未指定语言时使用的语言。
func WithDefaultLanguage(language string) Option {
	return func(p *Pipeline) {
		p.defaultLanguage = strings.TrimSpace(language)
	}
}

// WithObserver 注册状态迁移回调。
func WithObserver(observer Observer) Option {
	return func(p *Pipeline) {
		if observer != nil {
			p.observers = append(p.observers, observer)
		}
	}
}

// New 创建流水线。
func New(client llm.Client, opts ...Option) *Pipeline {
	p := &Pipeline{
		client:              client,
		generatorDelegation: true,
		now:                 time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Generate 运行流水线并只返回最终文本。
func (p *Pipeline) Generate(ctx context.Context, req notice.Request) (string, error) {
	run, err := p.Run(ctx, req)
	if err != nil {
		return "", err
	}
	return run.Text(), nil
}

// Run 执行一次完整的流水线。返回的错误为 REQUEST_VALIDATION_FAILED、
// STAGE_EXECUTION_FAILED 或 INITIALIZATION_FAILURE 之一，Run 始终非空。
func (p *Pipeline) Run(ctx context.Context, req notice.Request) (*Run, error) {
	if strings.TrimSpace(req.Language) == "" && p.defaultLanguage != "" {
		req.Language = p.defaultLanguage
	}
	run := &Run{
		ID:        uuid.NewString(),
		Request:   req.Normalize(),
		State:     StateNotStarted,
		StartedAt: p.now(),
	}

	if p.client == nil {
		return run, p.fail(run, "", 0, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端"))
	}
	if err := run.Request.Validate(); err != nil {
		return run, p.fail(run, "", 0, err)
	}

	p.transition(run, StateDrafting, Transition{})
	draftPrompt, err := RenderDraftPrompt(run.Request)
	if err != nil {
		return run, p.fail(run, StageDraft, 0, stageError(ctx, StageDraft, err))
	}
	draft, err := p.execute(ctx, StageDraft, GeneratorPersona(p.generatorDelegation), draftPrompt)
	if err != nil {
		return run, p.fail(run, StageDraft, draft.Duration, err)
	}
	run.Draft = &draft

	p.transition(run, StateReviewing, Transition{Stage: StageDraft, Duration: draft.Duration})
	reviewPrompt, err := RenderReviewPrompt(run.Request.Language, draft.Text)
	if err != nil {
		return run, p.fail(run, StageReview, 0, stageError(ctx, StageReview, err))
	}
	final, err := p.execute(ctx, StageReview, ReviewerPersona(), reviewPrompt)
	if err != nil {
		return run, p.fail(run, StageReview, final.Duration, err)
	}
	run.Final = &final
	run.FinishedAt = p.now()

	p.transition(run, StateComplete, Transition{Stage: StageReview, Duration: final.Duration})
	return run, nil
}

func (p *Pipeline) execute(ctx context.Context, stage Stage, persona Persona, prompt string) (StageResult, error) {
	result := StageResult{Stage: stage}
	if err := ctx.Err(); err != nil {
		return result, stageError(ctx, stage, err)
	}

	stageCtx := ctx
	if p.stageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, p.stageTimeout)
		defer cancel()
	}

	started := p.now()
	resp, err := p.client.Complete(stageCtx, llm.Request{
		Stage:   string(stage),
		Persona: persona,
		Prompt:  prompt,
	})
	result.Duration = p.now().Sub(started)
	if err != nil {
		return result, stageError(ctx, stage, err)
	}
	if resp == nil {
		return result, stageError(ctx, stage, stdErrors.New("大模型未返回结果"))
	}

	result.Text = resp.Text
	result.Model = resp.Model
	return result, nil
}

// stageError 将阶段失败统一包装为 STAGE_EXECUTION_FAILED。阶段自身超时记为 TIMEOUT，
// 底层声明不可重试的错误在外层保持不可重试。
func stageError(ctx context.Context, stage Stage, err error) error {
	cause := err
	if stdErrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		cause = xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("%s stage timed out", stage))
	}

	opts := []xerrors.Option{xerrors.WithMetadata("stage", string(stage))}
	if inner, ok := xerrors.From(err); ok && !inner.Retryable() {
		opts = append(opts, xerrors.WithRetryable(false))
	}
	return xerrors.Wrap(xerrors.CodeStageExecution, cause, fmt.Sprintf("%s stage failed", stage), opts...)
}

func (p *Pipeline) fail(run *Run, stage Stage, duration time.Duration, err error) error {
	run.Err = err
	run.FinishedAt = p.now()
	p.transition(run, StateFailed, Transition{Stage: stage, Duration: duration, Err: err})

	logger.Named("pipeline").Warn("公告流水线执行失败",
		slog.String("run_id", run.ID),
		slog.String("stage", string(stage)),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Any("error", err),
	)
	return err
}

func (p *Pipeline) transition(run *Run, to State, t Transition) {
	t.RunID = run.ID
	t.From = run.State
	t.To = to
	run.State = to
	for _, observer := range p.observers {
		observer(t)
	}
}
