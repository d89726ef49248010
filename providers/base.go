package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// 消息角色
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 消息
type Message struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// Response LLM 响应
type Response struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
	// Fragments 组成 Content 的流式片段数
	Fragments int `json:"fragments"`
}

// Usage 使用情况
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamCallback 流式回调，模型每产生一个文本片段就调用一次
// 返回错误会中止本次调用
type StreamCallback func(ctx context.Context, fragment string) error

// Provider LLM 提供商接口
type Provider interface {
	// ChatStream 发送对话并通过 onChunk 流式返回回复
	// 返回的 Response 包含完整回复
	ChatStream(ctx context.Context, messages []Message, onChunk StreamCallback, options ...ChatOption) (*Response, error)

	// Close 关闭连接
	Close() error
}

// ChatOption 聊天选项
type ChatOption func(*ChatOptions)

// ChatOptions 聊天配置
type ChatOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// WithModel 设置模型
func WithModel(model string) ChatOption {
	return func(o *ChatOptions) {
		o.Model = model
	}
}

// WithTemperature 设置温度
func WithTemperature(temp float64) ChatOption {
	return func(o *ChatOptions) {
		o.Temperature = temp
	}
}

// WithMaxTokens 设置最大 tokens
func WithMaxTokens(maxTokens int) ChatOption {
	return func(o *ChatOptions) {
		o.MaxTokens = maxTokens
	}
}

// llmProvider 基于 langchaingo 模型的通用实现
// 各提供商只在客户端构建方式和是否支持 system 消息上有区别
type llmProvider struct {
	name         string
	llm          llms.Model
	model        string
	temperature  float64
	maxTokens    int
	systemInline bool
}

func (p *llmProvider) ChatStream(ctx context.Context, messages []Message, onChunk StreamCallback, options ...ChatOption) (*Response, error) {
	opts := &ChatOptions{
		Model:       p.model,
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	}
	for _, opt := range options {
		opt(opts)
	}

	buf := NewStreamBuffer(0)
	var llmOpts []llms.CallOption
	if opts.Model != "" {
		llmOpts = append(llmOpts, llms.WithModel(opts.Model))
	}
	if opts.Temperature > 0 {
		llmOpts = append(llmOpts, llms.WithTemperature(opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		llmOpts = append(llmOpts, llms.WithMaxTokens(opts.MaxTokens))
	}
	llmOpts = append(llmOpts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		fragment := string(chunk)
		if err := buf.Add(fragment); err != nil {
			return err
		}
		if onChunk != nil {
			return onChunk(ctx, fragment)
		}
		return nil
	}))

	completion, err := p.llm.GenerateContent(ctx, ConvertToLangChainMessages(messages, p.systemInline), llmOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to generate content: %w", p.name, err)
	}

	resp := &Response{
		Content:   buf.Content(),
		Fragments: buf.Fragments(),
	}
	if len(completion.Choices) > 0 {
		choice := completion.Choices[0]
		if resp.Content == "" {
			resp.Content = choice.Content
		}
		resp.FinishReason = choice.StopReason
		resp.Usage = usageFromInfo(choice.GenerationInfo)
	}
	return resp, nil
}

func (p *llmProvider) Close() error {
	return nil
}

// ConvertToLangChainMessages 转换为 LangChain 消息格式
// systemInline 为 false 时，system 消息会合并到第一条用户消息中
func ConvertToLangChainMessages(messages []Message, systemInline bool) []llms.MessageContent {
	var system []string
	result := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		var role llms.ChatMessageType
		switch msg.Role {
		case RoleUser:
			role = llms.ChatMessageTypeHuman
		case RoleAssistant:
			role = llms.ChatMessageTypeAI
		case RoleSystem:
			if !systemInline {
				system = append(system, msg.Content)
				continue
			}
			role = llms.ChatMessageTypeSystem
		default:
			role = llms.ChatMessageTypeHuman
		}
		result = append(result, llms.TextParts(role, msg.Content))
	}

	if len(system) == 0 {
		return result
	}
	prefix := strings.Join(system, "\n\n")
	for i, mc := range result {
		if mc.Role != llms.ChatMessageTypeHuman {
			continue
		}
		if text, ok := mc.Parts[0].(llms.TextContent); ok {
			result[i] = llms.TextParts(llms.ChatMessageTypeHuman, prefix+"\n\n"+text.Text)
			return result
		}
	}
	return append([]llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prefix)}, result...)
}

func usageFromInfo(info map[string]any) Usage {
	var u Usage
	if info == nil {
		return u
	}
	u.PromptTokens = intFromInfo(info, "PromptTokens", "InputTokens")
	u.CompletionTokens = intFromInfo(info, "CompletionTokens", "OutputTokens")
	u.TotalTokens = intFromInfo(info, "TotalTokens")
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func intFromInfo(info map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}
