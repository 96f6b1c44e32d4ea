// Package cfspider 通过边缘中继与隧道访问目标站点的客户端库
//
// 三种工作模式：
//   - 中继模式（WithRelay）：请求编码为对边缘端点的单次调用，由就近节点代为访问
//   - 直连模式（默认）：直接请求目标站点
//   - 代理模式（WithProxy）：直连请求经本地 HTTP/SOCKS5 代理
//
// 页面渲染走 Browser，其流量按传输描述符走直连、代理或隧道
package cfspider

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	coreerrors "cfspider-core/internal/core/errors"
	"cfspider-core/internal/relay"
	"cfspider-core/internal/transport"
)

// Response 一次请求的响应
type Response = relay.Response

// Param 有序查询参数
type Param = relay.Param

// callOptions 单次调用的全部配置
type callOptions struct {
	relayAddr relay.Address
	proxy     transport.Descriptor
	params    []relay.Param
	header    http.Header
	body      relay.BodyKind
	form      map[string]string
	json      interface{}
	raw       []byte
	timeout   time.Duration
}

// Option 单次调用的配置选项
type Option func(*callOptions) error

// WithRelay 启用中继模式，addr 为边缘端点基地址
func WithRelay(addr string) Option {
	return func(o *callOptions) error {
		parsed, err := relay.ParseAddress(addr)
		if err != nil {
			return err
		}
		o.relayAddr = parsed
		return nil
	}
}

// WithProxy 让请求经本地代理；接受 "host:port"、"http://..."、"socks5://..."
func WithProxy(spec string) Option {
	return func(o *callOptions) error {
		desc, err := transport.Parse(spec, "")
		if err != nil {
			return err
		}
		o.proxy = desc
		return nil
	}
}

// WithParams 追加查询参数；键按字典序排列保证可重现
func WithParams(params map[string]string) Option {
	return func(o *callOptions) error {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			o.params = append(o.params, relay.Param{Key: k, Value: params[k]})
		}
		return nil
	}
}

// WithParam 追加单个查询参数，保持调用顺序，允许重复键
func WithParam(key, value string) Option {
	return func(o *callOptions) error {
		o.params = append(o.params, relay.Param{Key: key, Value: value})
		return nil
	}
}

// WithHeaders 设置请求头
func WithHeaders(headers map[string]string) Option {
	return func(o *callOptions) error {
		for k, v := range headers {
			o.header.Set(k, v)
		}
		return nil
	}
}

// WithCookies 设置请求 Cookie；键按字典序拼接
func WithCookies(cookies map[string]string) Option {
	return func(o *callOptions) error {
		keys := make([]string, 0, len(cookies))
		for k := range cookies {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+cookies[k])
		}
		o.header.Set("Cookie", strings.Join(pairs, "; "))
		return nil
	}
}

// WithData 以表单编码发送请求体
func WithData(form map[string]string) Option {
	return func(o *callOptions) error {
		o.body = relay.BodyForm
		o.form = form
		return nil
	}
}

// WithJSON 以 JSON 序列化发送请求体
func WithJSON(v interface{}) Option {
	return func(o *callOptions) error {
		o.body = relay.BodyJSON
		o.json = v
		return nil
	}
}

// WithBody 发送原始字节请求体
func WithBody(raw []byte) Option {
	return func(o *callOptions) error {
		o.body = relay.BodyRaw
		o.raw = raw
		return nil
	}
}

// WithTimeout 设置单次调用超时
func WithTimeout(d time.Duration) Option {
	return func(o *callOptions) error {
		if d <= 0 {
			return coreerrors.Newf(coreerrors.CodeInvalidParam, "timeout must be positive, got %s", d)
		}
		o.timeout = d
		return nil
	}
}

// Get 发起 GET 请求
func Get(url string, opts ...Option) (*Response, error) {
	return Do(context.Background(), relay.MethodGet, url, opts...)
}

// Post 发起 POST 请求
func Post(url string, opts ...Option) (*Response, error) {
	return Do(context.Background(), relay.MethodPost, url, opts...)
}

// Put 发起 PUT 请求
func Put(url string, opts ...Option) (*Response, error) {
	return Do(context.Background(), relay.MethodPut, url, opts...)
}

// Delete 发起 DELETE 请求
func Delete(url string, opts ...Option) (*Response, error) {
	return Do(context.Background(), relay.MethodDelete, url, opts...)
}

// Head 发起 HEAD 请求
func Head(url string, opts ...Option) (*Response, error) {
	return Do(context.Background(), relay.MethodHead, url, opts...)
}

// Options 发起 OPTIONS 请求
func Options(url string, opts ...Option) (*Response, error) {
	return Do(context.Background(), relay.MethodOptions, url, opts...)
}

// Patch 发起 PATCH 请求
func Patch(url string, opts ...Option) (*Response, error) {
	return Do(context.Background(), relay.MethodPatch, url, opts...)
}

// Do 以显式上下文发起请求
func Do(ctx context.Context, method relay.Method, url string, opts ...Option) (*Response, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	req := o.request(method, url)
	if !o.relayAddr.IsZero() {
		client, err := relay.NewClient(relay.WithProxy(o.proxy))
		if err != nil {
			return nil, err
		}
		return client.Do(ctx, req, o.relayAddr)
	}
	return directDo(ctx, req, o.proxy)
}

func buildOptions(opts []Option) (*callOptions, error) {
	o := &callOptions{header: make(http.Header)}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// request 把调用配置落成请求对象
func (o *callOptions) request(method relay.Method, url string) *relay.Request {
	req := &relay.Request{
		Method:  method,
		URL:     url,
		Params:  o.params,
		Header:  o.header,
		Body:    o.body,
		JSON:    o.json,
		Raw:     o.raw,
		Timeout: o.timeout,
	}
	if o.body == relay.BodyForm {
		req.Form = make(map[string][]string, len(o.form))
		for k, v := range o.form {
			req.Form[k] = []string{v}
		}
	}
	return req
}
