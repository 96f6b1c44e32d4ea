package relay

import (
	"encoding/json"
	"net/http"
	"sync"

	coreerrors "cfspider-core/internal/core/errors"
)

// HeaderItem 响应头条目；响应头保序且保留同键重复
type HeaderItem struct {
	Key   string
	Value string
}

// Response 中继调用的响应；构造后不可变
//
// Colo 是服务本次调用的边缘节点代码（如 NRT、SIN、LAX），
// Ray 是平台为每次请求生成的追踪标识，两者都是一等属性而非埋在头里
type Response struct {
	StatusCode int
	Content    []byte
	Colo       string
	Ray        string
	URL        string

	headers []HeaderItem

	foldedOnce sync.Once
	folded     http.Header
}

// NewResponse 构造响应对象；主要供边缘侧模拟和测试使用
func NewResponse(status int, headers []HeaderItem, body []byte, colo, ray string) *Response {
	return &Response{
		StatusCode: status,
		Content:    body,
		Colo:       colo,
		Ray:        ray,
		headers:    headers,
	}
}

// HeaderList 按到达顺序返回全部响应头，同键重复保留
func (r *Response) HeaderList() []HeaderItem {
	out := make([]HeaderItem, len(r.headers))
	copy(out, r.headers)
	return out
}

// Header 返回折叠后的响应头视图（同键值合并为切片）
func (r *Response) Header() http.Header {
	r.foldedOnce.Do(func() {
		r.folded = make(http.Header)
		for _, h := range r.headers {
			r.folded.Add(h.Key, h.Value)
		}
	})
	return r.folded
}

// HeaderValues 返回指定键的全部值，顺序与到达顺序一致
func (r *Response) HeaderValues(key string) []string {
	return r.Header().Values(key)
}

// Text 响应体的文本视图
func (r *Response) Text() string {
	return string(r.Content)
}

// JSON 惰性解码响应体为 JSON
// 解码失败返回 DECODE_ERROR，不影响 Content/Text 的访问
func (r *Response) JSON(v interface{}) error {
	if err := json.Unmarshal(r.Content, v); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeDecodeError, "response body is not valid JSON")
	}
	return nil
}

// Cookies 解析响应中的 Set-Cookie 头
func (r *Response) Cookies() []*http.Cookie {
	resp := http.Response{Header: r.Header()}
	return resp.Cookies()
}

// OK 目标站点是否返回 2xx
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Raise 按需把目标站点的 4xx/5xx 转成错误
// 这是调用方便利而非编解码职责：错误状态本身是合法的响应内容
func (r *Response) Raise() error {
	if r.StatusCode >= 400 {
		return coreerrors.Newf(coreerrors.CodeTargetStatus, "target returned status %d", r.StatusCode)
	}
	return nil
}
