// Package relay 实现边缘中继的请求/响应编解码与会话管理
//
// 一次出站 HTTP 调用被编码为对边缘函数的单次调用（信封），
// 边缘函数在就近节点代为请求目标站点，并把响应连同节点信息编码回来。
package relay

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	coreerrors "cfspider-core/internal/core/errors"
)

// Method HTTP 动词
type Method string

const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
	MethodPatch   Method = "PATCH"
)

var validMethods = map[Method]bool{
	MethodGet: true, MethodPost: true, MethodPut: true, MethodDelete: true,
	MethodHead: true, MethodOptions: true, MethodPatch: true,
}

// Valid 返回是否为支持的动词
func (m Method) Valid() bool {
	return validMethods[m]
}

// Param 单个查询参数；请求的参数是有序多值映射
type Param struct {
	Key   string
	Value string
}

// BodyKind 请求体类型，互斥
type BodyKind int

const (
	BodyNone BodyKind = iota
	BodyForm          // 表单编码
	BodyJSON          // JSON 序列化
	BodyRaw           // 原始字节
)

// DefaultTimeout 单次中继调用的默认超时
const DefaultTimeout = 30 * time.Second

// Request 一次出站请求；构造完成后对单次调用视为不可变
type Request struct {
	Method  Method
	URL     string
	Params  []Param     // 有序，允许重复键
	Header  http.Header // 键大小写不敏感，同键后写覆盖
	Body    BodyKind
	Form    url.Values
	JSON    interface{}
	Raw     []byte
	Timeout time.Duration
}

// TargetURL 返回合并了 Params 的完整目标 URL（按标准规则百分号编码）
func (r *Request) TargetURL() (string, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", coreerrors.Wrapf(err, coreerrors.CodeInvalidParam, "invalid target URL %q", r.URL)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", coreerrors.Newf(coreerrors.CodeInvalidParam, "target URL %q must be absolute", r.URL)
	}

	if len(r.Params) > 0 {
		var b strings.Builder
		b.WriteString(u.RawQuery)
		for _, p := range r.Params {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(p.Key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(p.Value))
		}
		u.RawQuery = b.String()
	}
	return u.String(), nil
}

// validate 编码前校验
func (r *Request) validate() error {
	if !r.Method.Valid() {
		return coreerrors.Newf(coreerrors.CodeInvalidParam, "unsupported HTTP method %q", string(r.Method))
	}
	if r.URL == "" {
		return coreerrors.New(coreerrors.CodeInvalidParam, "target URL is empty")
	}
	return nil
}

// Address 边缘端点的规范化基地址
// 不变式：发起调用时必须非空，scheme 缺省补 https
type Address struct {
	base string
}

// ParseAddress 解析中继地址；空字符串返回 CONFIG_ERROR
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(strings.TrimSuffix(s, "/"))
	if s == "" {
		return Address{}, coreerrors.New(coreerrors.CodeConfigError, "relay address is required")
	}
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return Address{}, coreerrors.Newf(coreerrors.CodeConfigError, "invalid relay address %q", s)
	}
	return Address{base: strings.TrimSuffix(u.String(), "/")}, nil
}

// IsZero 是否为空地址
func (a Address) IsZero() bool {
	return a.base == ""
}

// Base 返回规范化后的基地址
func (a Address) Base() string {
	return a.base
}

func (a Address) String() string {
	return a.base
}
