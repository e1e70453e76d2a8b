package api

import (
	"context"
	"errors"
	"fmt"
)

// 错误分类：
// - TransportError：网络错误/5xx，可重试，允许进入用户可见提示
// - ErrCanceled：请求被取消，不是用户可见错误，在协调器边界吞掉
// - ValidationError：发起网络调用前的本地校验失败，内联提示
// 实时通道的畸形事件不走错误通道：直接丢弃并计数。
var ErrCanceled = errors.New("request canceled")

// TransportError 表示传输层失败（连接错误、超时或服务端 5xx）。
// 超时与失败在本层同等对待：可重试、不自动重试。
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: server returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError 表示尚未触网即被拒绝的输入（如消息长度越界）。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsCanceled 判断错误是否源于取消（含底层 context 取消）。
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

// IsRetryable 判断错误是否为可重试的传输错误。
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// classify 将底层错误收敛到上述分类。
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return ErrCanceled
	}
	return &TransportError{Op: op, Err: err}
}
