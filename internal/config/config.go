package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "CivicNotice/internal/errors"
	"CivicNotice/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "CIVICNOTICE_CONFIG"

// DefaultPath 是未设置环境变量时读取的配置文件。
var DefaultPath = filepath.Join("configs", "civicnotice.yaml")

// Config 描述了 CivicNotice 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig   `json:"server" yaml:"server"`
	LLM       LLMConfig      `json:"llm" yaml:"llm"`
	Pipeline  PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Storage   StorageConfig  `json:"storage" yaml:"storage"`
	TaskQueue QueueConfig    `json:"task_queue" yaml:"task_queue"`
	Log       logger.Config  `json:"log" yaml:"log"`
	Metrics   MetricsConfig  `json:"metrics" yaml:"metrics"`
	Alerting  AlertingConfig `json:"alerting" yaml:"alerting"`
	Auth      AuthConfig     `json:"auth" yaml:"auth"`
	Runtime   RuntimeConfig  `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address                string   `json:"address" yaml:"address"`
	ReadTimeoutSeconds     int      `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	ShutdownTimeoutSeconds int      `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	AllowedOrigins         []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// ReadTimeout 返回读取请求头的超时时间。
func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

// ShutdownTimeout 返回优雅退出的等待时间。
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider       string             `json:"provider" yaml:"provider"`
	Model          string             `json:"model" yaml:"model"`
	Temperature    float32            `json:"temperature" yaml:"temperature"`
	TimeoutSeconds int                `json:"timeout_seconds" yaml:"timeout_seconds"`
	Retry          RetryConfig        `json:"retry" yaml:"retry"`
	Gemini         GeminiConfig       `json:"gemini" yaml:"gemini"`
	OpenAI         OpenAIConfig       `json:"openai" yaml:"openai"`
	Python         PythonBridgeConfig `json:"python_bridge" yaml:"python_bridge"`
}

// Timeout 返回单次大模型调用的超时时间。
func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// RetryConfig 描述大模型调用的有限重试。
type RetryConfig struct {
	MaxAttempts          int `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoffMillis int `json:"initial_backoff_ms" yaml:"initial_backoff_ms"`
	MaxBackoffMillis     int `json:"max_backoff_ms" yaml:"max_backoff_ms"`
}

// GeminiConfig 描述 Gemini API 的访问参数。
type GeminiConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的访问参数。
type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable" yaml:"python_executable"`
	ScriptPath       string `json:"script_path" yaml:"script_path"`
	WorkingDir       string `json:"working_dir" yaml:"working_dir"`
}

// PipelineConfig 控制公告流水线的行为。
type PipelineConfig struct {
	StageTimeoutSeconds int    `json:"stage_timeout_seconds" yaml:"stage_timeout_seconds"`
	GeneratorDelegation *bool  `json:"generator_delegation" yaml:"generator_delegation"`
	DefaultLanguage     string `json:"default_language" yaml:"default_language"`
}

// StageTimeout 返回单个阶段的超时时间。
func (p PipelineConfig) StageTimeout() time.Duration {
	return time.Duration(p.StageTimeoutSeconds) * time.Second
}

// AllowGeneratorDelegation 返回起草角色是否允许委派，未配置时为 true。
func (p PipelineConfig) AllowGeneratorDelegation() bool {
	if p.GeneratorDelegation == nil {
		return true
	}
	return *p.GeneratorDelegation
}

// StorageConfig 描述任务存储后端。
type StorageConfig struct {
	TaskStore TaskStoreConfig `json:"task_store" yaml:"task_store"`
}

// TaskStoreConfig 支持 memory、mysql 与 sqlite 三种驱动。
type TaskStoreConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
	Retries                int    `json:"retries" yaml:"retries"`
}

// QueueConfig 描述异步任务队列。
type QueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Workers  int            `json:"workers" yaml:"workers"`
	Buffer   int            `json:"buffer" yaml:"buffer"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
	NATS     NATSConfig     `json:"nats" yaml:"nats"`
}

// RedisConfig 描述基于 Redis List 的队列。
type RedisConfig struct {
	Address          string `json:"address" yaml:"address"`
	Password         string `json:"password" yaml:"password"`
	DB               int    `json:"db" yaml:"db"`
	Queue            string `json:"queue" yaml:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds" yaml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// NATSConfig 描述 NATS 队列，Embedded 为 true 时在进程内启动 nats-server。
type NATSConfig struct {
	URL      string `json:"url" yaml:"url"`
	Subject  string `json:"subject" yaml:"subject"`
	Group    string `json:"group" yaml:"group"`
	Embedded bool   `json:"embedded" yaml:"embedded"`
	Port     int    `json:"port" yaml:"port"`
}

// MetricsConfig 控制 Prometheus 指标暴露。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
	Path    string `json:"path" yaml:"path"`
}

// AlertingConfig 控制任务最终失败时的告警渠道。
type AlertingConfig struct {
	Audit      bool   `json:"audit" yaml:"audit"`
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// AuthConfig 控制异步任务接口的 API Key 认证，mode 为 disabled 或 api_key。
type AuthConfig struct {
	Mode string         `json:"mode" yaml:"mode"`
	Keys []APIKeyConfig `json:"keys" yaml:"keys"`
}

// APIKeyConfig 声明一个 API Key，key 与 sha256 二选一。
type APIKeyConfig struct {
	Name        string   `json:"name" yaml:"name"`
	Key         string   `json:"key" yaml:"key"`
	SHA256      string   `json:"sha256" yaml:"sha256"`
	Permissions []string `json:"permissions" yaml:"permissions"`
	Disabled    bool     `json:"disabled" yaml:"disabled"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Path 返回应读取的配置文件路径。
func Path() string {
	if v := strings.TrimSpace(os.Getenv(EnvConfigPath)); v != "" {
		return v
	}
	return DefaultPath
}

// Load 解析指定路径的配置文件；文件不存在时使用默认值与环境变量。
// .json 使用 encoding/json，.yaml/.yml 在展开环境变量后使用 yaml.v3。
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}

	var cfg Config
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, content, &cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析配置失败",
				xerrors.WithMetadata("path", path))
		}
	case os.IsNotExist(err):
	default:
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取配置文件失败",
			xerrors.WithMetadata("path", path))
	}

	applyEnv(&cfg)
	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

func decode(path string, content []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.Unmarshal(content, cfg)
	case ".yaml", ".yml":
		return yaml.Unmarshal([]byte(os.ExpandEnv(string(content))), cfg)
	default:
		return fmt.Errorf("不支持的配置文件格式: %s", path)
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.LLM.Gemini.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.OpenAI.APIKey = v
	}
	if v := os.Getenv("CIVICNOTICE_ADDR"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("CIVICNOTICE_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("CIVICNOTICE_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CIVICNOTICE_STAGE_TIMEOUT_SECONDS"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.StageTimeoutSeconds = seconds
		}
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 10
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 5
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "gemini"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 120
	}
	if c.LLM.Retry.MaxAttempts <= 0 {
		c.LLM.Retry.MaxAttempts = 1
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.LLM.Python.WorkingDir) {
		c.LLM.Python.WorkingDir = filepath.Join(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Pipeline.StageTimeoutSeconds <= 0 {
		c.Pipeline.StageTimeoutSeconds = 90
	}
	if c.Pipeline.DefaultLanguage == "" {
		c.Pipeline.DefaultLanguage = "English"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	store := &c.Storage.TaskStore
	if store.Driver == "" {
		store.Driver = "memory"
	}
	if store.Driver == "sqlite" && store.DSN == "" {
		store.DSN = filepath.Join(c.Runtime.DataDir, "civicnotice.db")
	}
	if store.Retries <= 0 {
		store.Retries = 3
	}

	queue := &c.TaskQueue
	if queue.Driver == "" {
		queue.Driver = "memory"
	}
	if queue.Workers <= 0 {
		queue.Workers = 2
	}
	if queue.Buffer <= 0 {
		queue.Buffer = 1024
	}
	if queue.Redis.Queue == "" {
		queue.Redis.Queue = "civicnotice:jobs"
	}
	if queue.RabbitMQ.Queue == "" {
		queue.RabbitMQ.Queue = "civicnotice.jobs"
	}
	if queue.NATS.Subject == "" {
		queue.NATS.Subject = "civicnotice.jobs"
	}
	if queue.NATS.Group == "" {
		queue.NATS.Group = "civicnotice-workers"
	}
	if queue.NATS.Embedded && queue.NATS.Port == 0 {
		queue.NATS.Port = 4222
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
}

// Validate 检查配置的完整性，失败时返回 CONFIGURATION_INVALID。
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Server.Address) == "" {
		add("server.address 不能为空")
	}

	switch c.LLM.Provider {
	case "gemini":
		if strings.TrimSpace(c.LLM.Gemini.APIKey) == "" {
			add("llm.provider=gemini 需要 GEMINI_API_KEY 或 llm.gemini.api_key")
		}
	case "openai":
		if strings.TrimSpace(c.LLM.OpenAI.APIKey) == "" {
			add("llm.provider=openai 需要 OPENAI_API_KEY 或 llm.openai.api_key")
		}
	case "python_bridge":
		if strings.TrimSpace(c.LLM.Python.ScriptPath) == "" {
			add("llm.provider=python_bridge 需要 llm.python_bridge.script_path")
		}
	case "echo":
	default:
		add("未知的大模型 provider: %s", c.LLM.Provider)
	}

	switch c.Storage.TaskStore.Driver {
	case "memory":
	case "mysql", "sqlite":
		if strings.TrimSpace(c.Storage.TaskStore.DSN) == "" {
			add("storage.task_store.driver=%s 需要 dsn", c.Storage.TaskStore.Driver)
		}
	default:
		add("未知的任务存储驱动: %s", c.Storage.TaskStore.Driver)
	}

	switch c.TaskQueue.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.TaskQueue.Redis.Address) == "" {
			add("task_queue.driver=redis 需要 redis.address")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.TaskQueue.RabbitMQ.URL) == "" {
			add("task_queue.driver=rabbitmq 需要 rabbitmq.url")
		}
	case "nats":
		if !c.TaskQueue.NATS.Embedded && strings.TrimSpace(c.TaskQueue.NATS.URL) == "" {
			add("task_queue.driver=nats 需要 nats.url 或 nats.embedded=true")
		}
	default:
		add("未知的队列驱动: %s", c.TaskQueue.Driver)
	}

	switch c.Auth.Mode {
	case "disabled":
	case "api_key":
		if len(c.Auth.Keys) == 0 {
			add("auth.mode=api_key 需要至少一个 auth.keys")
		}
	default:
		add("未知的认证模式: %s", c.Auth.Mode)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		add("metrics.path 必须以 / 开头")
	}

	if len(problems) == 0 {
		return nil
	}
	return xerrors.New(xerrors.CodeConfiguration, strings.Join(problems, "; "))
}
