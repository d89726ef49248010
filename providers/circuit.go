package providers

import (
	"sync"
	"time"
)

// CircuitState 断路器状态
type CircuitState int

const (
	// CircuitClosed 正常放行
	CircuitClosed CircuitState = iota
	// CircuitOpen 冷却结束前拒绝请求
	CircuitOpen
	// CircuitHalfOpen 放行一次试探请求
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker 断路器
// 连续失败 threshold 次后断开，冷却 cooldown 后进入半开，半开时成功一次即恢复
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker 创建断路器
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow 检查是否允许请求
// 断开状态冷却结束后转为半开并放行一次
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.state = CircuitHalfOpen
	}
	return cb.state != CircuitOpen
}

// Success 记录成功
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
}

// Failure 记录失败
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.state = CircuitOpen
		cb.openedAt = cb.now()
	}
}

// State 获取当前状态
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
