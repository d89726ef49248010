package providers

import (
	"context"
	"errors"
	"strings"
)

// ErrProviderNotConfigured 模型对应的提供商未配置凭证
var ErrProviderNotConfigured = errors.New("provider not configured")

// FailoverReason 失败原因类型
type FailoverReason string

const (
	FailoverReasonAuth      FailoverReason = "auth"
	FailoverReasonRateLimit FailoverReason = "rate_limit"
	FailoverReasonTimeout   FailoverReason = "timeout"
	FailoverReasonBilling   FailoverReason = "billing"
	FailoverReasonUnknown   FailoverReason = "unknown"
)

var failoverPatterns = []struct {
	reason   FailoverReason
	patterns []string
}{
	{FailoverReasonAuth, []string{
		"invalid api key", "incorrect api key", "invalid x-api-key", "authentication",
		"unauthorized", "forbidden", "401", "403",
	}},
	{FailoverReasonRateLimit, []string{
		"rate limit", "too many requests", "429", "quota exceeded", "overloaded", "529",
	}},
	{FailoverReasonTimeout, []string{
		"timeout", "timed out", "deadline exceeded",
	}},
	{FailoverReasonBilling, []string{
		"402", "payment required", "insufficient credits", "billing",
	}},
}

// ClassifyError 根据错误信息判断失败原因
// 各 SDK 没有统一的错误类型，只能匹配小写后的错误信息
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return FailoverReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailoverReasonTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, group := range failoverPatterns {
		for _, p := range group.patterns {
			if strings.Contains(msg, p) {
				return group.reason
			}
		}
	}
	return FailoverReasonUnknown
}

// IsFailoverError 检查是否为可回退的错误
func IsFailoverError(err error) bool {
	return ClassifyError(err) != FailoverReasonUnknown
}
