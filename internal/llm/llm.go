package llm

import (
	"context"
	"fmt"
	"strings"
)

// Persona 描述调用大模型时使用的角色设定。
type Persona struct {
	Role            string `json:"role" yaml:"role"`
	Goal            string `json:"goal" yaml:"goal"`
	Backstory       string `json:"backstory" yaml:"backstory"`
	AllowDelegation bool   `json:"allow_delegation" yaml:"allow_delegation"`
}

// SystemPrompt 将角色、目标与背景拼接为系统提示词。
func (p Persona) SystemPrompt() string {
	var builder strings.Builder
	if role := strings.TrimSpace(p.Role); role != "" {
		builder.WriteString(fmt.Sprintf("You are %s.\n", role))
	}
	if goal := strings.TrimSpace(p.Goal); goal != "" {
		builder.WriteString(fmt.Sprintf("Your personal goal is: %s\n", goal))
	}
	if backstory := strings.TrimSpace(p.Backstory); backstory != "" {
		builder.WriteString(backstory)
		builder.WriteString("\n")
	}
	if !p.AllowDelegation {
		builder.WriteString("Complete the task yourself; do not hand it off to other agents.\n")
	}
	return strings.TrimSpace(builder.String())
}

// Request 描述一次文本补全调用。
type Request struct {
	// Stage 仅用于日志与指标，不参与提示词。
	Stage   string
	Persona Persona
	Prompt  string
}

// Response 是大模型返回的原始文本。
type Response struct {
	Text  string
	Model string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 允许用普通函数实现 Client。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Complete 实现 Client 接口。
func (f ClientFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// EchoClient 原样返回提示词，用于本地联调与模板检查。
type EchoClient struct{}

// Complete 实现 Client 接口。
func (EchoClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Response{Text: req.Prompt, Model: "echo"}, nil
}
