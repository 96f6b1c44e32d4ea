// Package errors 提供统一的错误处理机制
//
// 设计原则：
// 1. 所有错误都可以通过 errors.Is() 和 errors.As() 进行类型检查
// 2. 错误码用于区分调用方的处理策略（重试/放弃/重建会话）
// 3. 支持错误链（error wrapping）
package errors

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrorCode 错误码类型
type ErrorCode string

// 错误码定义
const (
	// 配置相关：立即失败，不重试
	CodeConfigError  ErrorCode = "CONFIG_ERROR"
	CodeInvalidParam ErrorCode = "INVALID_PARAM"

	// 中继相关
	CodeRelayTransport ErrorCode = "RELAY_TRANSPORT_ERROR" // 中继调用本身失败（非目标站点错误）
	CodeProtocolError  ErrorCode = "PROTOCOL_ERROR"        // 信封/帧格式错误，当前连接不可恢复
	CodeDecodeError    ErrorCode = "DECODE_ERROR"          // 响应体 JSON 惰性解码失败，不影响响应本身
	CodeTimeout        ErrorCode = "TIMEOUT"               // 单次调用超时，幂等动词可重试
	CodeSessionClosed  ErrorCode = "SESSION_CLOSED"
	CodeTargetStatus   ErrorCode = "TARGET_STATUS"         // 目标站点 4xx/5xx，仅 Raise 便利调用使用

	// 隧道相关
	CodeAuthFailed         ErrorCode = "AUTH_FAILED"         // 隧道凭证被拒绝，不重试
	CodeTunnelDisconnected ErrorCode = "TUNNEL_DISCONNECTED" // 会话中途断开，需要新建会话
	CodeStreamClosed       ErrorCode = "STREAM_CLOSED"

	// 系统错误
	CodeNetworkError ErrorCode = "NETWORK_ERROR"
	CodeEngineError  ErrorCode = "ENGINE_ERROR" // 自动化引擎启动/执行失败
	CodeNotSupported ErrorCode = "NOT_SUPPORTED"
	CodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// Error 统一错误类型
type Error struct {
	Code    ErrorCode         // 错误码
	Message string            // 错误消息
	Cause   error             // 原始错误
	Details map[string]string // 额外详情（诊断用）
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 支持 errors.Is 进行错误码比较
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail 添加详情
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Detail 获取详情，不存在时返回空字符串
func (e *Error) Detail(key string) string {
	if e.Details == nil {
		return ""
	}
	return e.Details[key]
}

// New 创建新错误
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf 创建格式化错误
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf 格式化包装错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// GetCode 从错误中提取错误码
func GetCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode 检查错误是否为指定错误码
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Is 重导出 errors.Is
var Is = errors.Is

// As 重导出 errors.As
var As = errors.As

// NewRelayTransportError 创建中继传输错误，携带中继调用的原始状态码和响应体
// 平台侧的请求大小/CPU 限额等约束也会以这种形式暴露给调用方
func NewRelayTransportError(status int, body []byte) *Error {
	e := Newf(CodeRelayTransport, "relay call failed with status %d", status)
	e.WithDetail("status", strconv.Itoa(status))
	if len(body) > 0 {
		const maxBodyDetail = 512
		if len(body) > maxBodyDetail {
			body = body[:maxBodyDetail]
		}
		e.WithDetail("body", string(body))
	}
	return e
}

// RelayStatus 从中继传输错误中取出原始状态码
func RelayStatus(err error) (int, bool) {
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeRelayTransport {
		return 0, false
	}
	status, convErr := strconv.Atoi(e.Detail("status"))
	if convErr != nil {
		return 0, false
	}
	return status, true
}
