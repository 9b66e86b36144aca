// Package gemini implements the text-completion capability on top of the
// Google Gen AI SDK.
package gemini

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	xerrors "CivicNotice/internal/errors"
	"CivicNotice/internal/llm"
)

const (
	defaultModel   = "gemini-2.5-flash"
	defaultTimeout = 2 * time.Minute
)

// Config 描述了访问 Gemini API 所需的参数。
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float32
	Timeout     time.Duration
}

// contentGenerator 是 genai.Models 中被用到的最小能力集合。
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client 通过 genai SDK 调用 Gemini 模型。
type Client struct {
	models      contentGenerator
	model       string
	temperature float32
	timeout     time.Duration
}

// NewClient 创建 Gemini 客户端。API Key 为空时返回配置错误。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未提供 Gemini API Key")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "创建 Gemini 客户端失败")
	}
	return newClient(client.Models, cfg), nil
}

func newClient(models contentGenerator, cfg Config) *Client {
	model := strings.TrimSpace(cfg.Model)
	// 兼容 "gemini/gemini-2.5-flash" 这类带 provider 前缀的写法。
	model = strings.TrimPrefix(model, "gemini/")
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		models:      models,
		model:       model,
		temperature: cfg.Temperature,
		timeout:     timeout,
	}
}

// Complete 实现 llm.Client 接口。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(c.temperature),
	}
	if system := req.Persona.SystemPrompt(); system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := c.models.GenerateContent(ctx, c.model, genai.Text(req.Prompt), config)
	if err != nil {
		return nil, classify(err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, fmt.Errorf("Gemini 响应内容为空 (model=%s)", c.model)
	}

	model := resp.ModelVersion
	if model == "" {
		model = c.model
	}
	return &llm.Response{Text: text, Model: model}, nil
}

// classify 将 4xx 请求错误标记为不可重试，其余错误保持原样交由重试策略处理。
func classify(err error) error {
	var apiErr genai.APIError
	if stdErrors.As(err, &apiErr) {
		if apiErr.Code >= http.StatusBadRequest && apiErr.Code < http.StatusInternalServerError && apiErr.Code != http.StatusTooManyRequests {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "Gemini 拒绝了请求", xerrors.WithRetryable(false))
		}
	}
	return fmt.Errorf("调用 Gemini 失败: %w", err)
}
