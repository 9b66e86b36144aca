package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"CivicNotice/internal/agent"
	"CivicNotice/internal/api"
	"CivicNotice/internal/auth"
	"CivicNotice/internal/config"
	xerrors "CivicNotice/internal/errors"
	"CivicNotice/internal/llm"
	"CivicNotice/internal/llm/gemini"
	"CivicNotice/internal/llm/openai"
	"CivicNotice/internal/llm/pythonbridge"
	"CivicNotice/internal/observability/alerting"
	"CivicNotice/internal/observability/metrics"
	"CivicNotice/internal/storage/sqlstore"
	"CivicNotice/internal/task"
	"CivicNotice/pkg/logger"
)

// main 是 CivicNotice 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.L().Error("civicnoticed 运行失败",
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "初始化日志失败")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建数据目录失败")
	}

	llmClient, err := createLLMClient(ctx, cfg)
	if err != nil {
		return err
	}
	pipeline := agent.New(llmClient,
		agent.WithStageTimeout(cfg.Pipeline.StageTimeout()),
		agent.WithGeneratorDelegation(cfg.Pipeline.AllowGeneratorDelegation()),
		agent.WithDefaultLanguage(cfg.Pipeline.DefaultLanguage),
		agent.WithObserver(metrics.PipelineObserver()),
	)

	authService, err := createAuth(cfg)
	if err != nil {
		return err
	}

	store, err := createStore(ctx, cfg)
	if err != nil {
		return err
	}
	queue, err := createQueue(cfg)
	if err != nil {
		_ = store.Close()
		return err
	}
	service := task.NewService(store, queue, cfg.Storage.TaskStore.Retries)
	defer func() {
		if err := service.Close(); err != nil {
			logger.L().Warn("关闭任务服务失败", slog.Any("error", err))
		}
	}()

	processor := task.NewProcessor(pipeline, store, queue, queue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithProcessorLogger(logger.Named("processor")),
		task.WithAlertDispatcher(createAlerter(cfg)),
		task.WithRecoverOnStart(),
	)

	server := api.NewServer(cfg.Server.Address, pipeline,
		api.WithTaskService(service),
		api.WithAuth(authService),
		api.WithReadTimeout(cfg.Server.ReadTimeout()),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout()),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
	)

	logger.L().Info("civicnoticed 启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("llm_provider", cfg.LLM.Provider),
		slog.String("task_store", cfg.Storage.TaskStore.Driver),
		slog.String("task_queue", cfg.TaskQueue.Driver),
		slog.String("auth_mode", string(authService.Mode())),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(server.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(processor.Start(gctx)) })
	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		g.Go(func() error {
			return ignoreCanceled(metrics.StartServer(gctx, cfg.Metrics.Address, cfg.Metrics.Path))
		})
	}
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func createLLMClient(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	var (
		client llm.Client
		err    error
	)
	switch cfg.LLM.Provider {
	case "gemini":
		client, err = gemini.NewClient(ctx, gemini.Config{
			APIKey:      cfg.LLM.Gemini.APIKey,
			BaseURL:     cfg.LLM.Gemini.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout(),
		})
	case "openai":
		client, err = openai.NewClient(openai.Config{
			APIKey:      cfg.LLM.OpenAI.APIKey,
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: float64(cfg.LLM.Temperature),
			Timeout:     cfg.LLM.Timeout(),
		})
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		client, err = pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
	case "echo":
		client = llm.EchoClient{}
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的大模型 provider: %s", cfg.LLM.Provider))
	}
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			err = xerrors.Wrap(xerrors.CodeConfiguration, err, "初始化大模型客户端失败")
		}
		return nil, err
	}
	return llm.NewRetryClient(client, llm.RetryPolicy{
		MaxAttempts:    cfg.LLM.Retry.MaxAttempts,
		InitialBackoff: time.Duration(cfg.LLM.Retry.InitialBackoffMillis) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.LLM.Retry.MaxBackoffMillis) * time.Millisecond,
	}), nil
}

func createStore(ctx context.Context, cfg *config.Config) (task.Store, error) {
	storeCfg := cfg.Storage.TaskStore
	switch storeCfg.Driver {
	case "memory":
		return task.NewMemoryStore(), nil
	case "mysql", "sqlite":
		return task.NewSQLStore(ctx, sqlstore.Config{
			Driver:          sqlstore.Dialect(storeCfg.Driver),
			DSN:             storeCfg.DSN,
			MaxOpenConns:    storeCfg.MaxOpenConns,
			MaxIdleConns:    storeCfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(storeCfg.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(storeCfg.ConnMaxIdleTimeSeconds) * time.Second,
		})
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, "未知的任务存储驱动: "+storeCfg.Driver)
	}
}

func createQueue(cfg *config.Config) (task.Queue, error) {
	queueCfg := cfg.TaskQueue
	var (
		queue task.Queue
		err   error
	)
	switch queueCfg.Driver {
	case "memory":
		queue = task.NewMemoryQueue(queueCfg.Buffer)
	case "redis":
		queue, err = task.NewRedisQueue(task.RedisQueueConfig{
			Address:   queueCfg.Redis.Address,
			Password:  queueCfg.Redis.Password,
			DB:        queueCfg.Redis.DB,
			Queue:     queueCfg.Redis.Queue,
			BlockWait: time.Duration(queueCfg.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		queue, err = task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        queueCfg.RabbitMQ.URL,
			Queue:      queueCfg.RabbitMQ.Queue,
			Prefetch:   queueCfg.RabbitMQ.Prefetch,
			Durable:    queueCfg.RabbitMQ.Durable,
			AutoDelete: queueCfg.RabbitMQ.AutoDelete,
		})
	case "nats":
		queue, err = task.NewNATSQueue(task.NATSQueueConfig{
			URL:      queueCfg.NATS.URL,
			Subject:  queueCfg.NATS.Subject,
			Group:    queueCfg.NATS.Group,
			Buffer:   queueCfg.Buffer,
			Embedded: queueCfg.NATS.Embedded,
			Port:     queueCfg.NATS.Port,
		})
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, "未知的队列驱动: "+queueCfg.Driver)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化任务队列失败",
			xerrors.WithMetadata("driver", queueCfg.Driver))
	}
	return queue, nil
}

func createAuth(cfg *config.Config) (*auth.Service, error) {
	keys := make([]auth.Key, 0, len(cfg.Auth.Keys))
	for _, key := range cfg.Auth.Keys {
		keys = append(keys, auth.Key{
			Name:        key.Name,
			Key:         key.Key,
			SHA256:      key.SHA256,
			Permissions: key.Permissions,
			Disabled:    key.Disabled,
		})
	}
	svc, err := auth.NewService(auth.Config{Mode: auth.Mode(cfg.Auth.Mode), Keys: keys})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "初始化认证服务失败")
	}
	return svc, nil
}

func createAlerter(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Alerting.Audit {
		notifiers = append(notifiers, alerting.AuditNotifier{})
	}
	if url := strings.TrimSpace(cfg.Alerting.WebhookURL); url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}
