package relay

import (
	"context"
	"net"
	"time"

	"github.com/go-resty/resty/v2"

	coreerrors "cfspider-core/internal/core/errors"
	corelog "cfspider-core/internal/core/log"
	"cfspider-core/internal/transport"
)

// Client 执行中继往返：编码请求、发出单次 HTTP 调用、解码回复
// 无状态且并发安全，任意数量的调用可以同时进行
type Client struct {
	rest    *resty.Client
	records *Records
}

// ClientOption 客户端配置选项
type ClientOption func(*Client) error

// WithProxy 让中继调用本身经过本地代理（对应原始代理模式）
// 隧道端点不能用于中继调用，解析期即拒绝
func WithProxy(d transport.Descriptor) ClientOption {
	return func(c *Client) error {
		switch d.Kind {
		case transport.KindNone:
			return nil
		case transport.KindLocalProxy:
			c.rest.SetProxy(d.ProxyURL())
			return nil
		case transport.KindTunnel:
			return coreerrors.New(coreerrors.CodeConfigError,
				"tunnel endpoints carry raw streams, not relay calls; use the browser transport instead")
		default:
			return coreerrors.Newf(coreerrors.CodeConfigError, "unknown transport kind %d", d.Kind)
		}
	}
}

// WithRecordCapacity 设置调用记录收集器的容量
func WithRecordCapacity(n int) ClientOption {
	return func(c *Client) error {
		c.records = NewRecords(n)
		return nil
	}
}

// NewClient 创建中继客户端
func NewClient(opts ...ClientOption) (*Client, error) {
	c := &Client{
		rest:    resty.New(),
		records: NewRecords(0),
	}
	// 调用级超时由每次请求的 context 控制，客户端本身不设总超时
	c.rest.SetTimeout(0)

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Records 返回调用记录收集器
func (c *Client) Records() *Records {
	return c.records
}

// Do 执行一次中继调用
//
// 错误语义：
//   - 中继调用本身非 2xx → RELAY_TRANSPORT_ERROR（携带原始状态与响应体）
//   - 回复信封格式错误 → PROTOCOL_ERROR
//   - 超时 → TIMEOUT，仅取消本次调用
//
// 目标站点的 4xx/5xx 是正常返回值，由调用方按需 Raise
func (c *Client) Do(ctx context.Context, req *Request, addr Address) (*Response, error) {
	env, err := Encode(req, addr)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := c.rest.R().SetContext(ctx)
	if env.Body != nil {
		r.SetBody(env.Body)
	}
	for key, values := range env.Header {
		for _, v := range values {
			r.SetHeader(key, v)
		}
	}

	start := time.Now()
	resp, err := r.Post(env.URL)
	latency := time.Since(start)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, coreerrors.Wrapf(err, coreerrors.CodeTimeout,
				"relay call to %s timed out after %s", addr, timeout)
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, coreerrors.Wrapf(err, coreerrors.CodeTimeout,
				"relay call to %s timed out", addr)
		}
		return nil, coreerrors.Wrapf(err, coreerrors.CodeNetworkError,
			"relay call to %s failed", addr)
	}

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return nil, coreerrors.NewRelayTransportError(resp.StatusCode(), resp.Body())
	}

	out, err := Decode(resp.Body())
	if err != nil {
		return nil, err
	}

	corelog.Debugf("Relay: %s %s -> %d via %s (%s)",
		req.Method, req.URL, out.StatusCode, out.Colo, latency)

	c.records.Add(Record{
		URL:     req.URL,
		Colo:    out.Colo,
		Ray:     out.Ray,
		Status:  out.StatusCode,
		Latency: latency,
		At:      start,
	})

	return out, nil
}

// Status 查询边缘端点的池状态自省路径
// 并非所有部署都实现该路径；缺失时返回 NOT_SUPPORTED，不视为故障
func (c *Client) Status(ctx context.Context, addr Address) ([]byte, error) {
	if addr.IsZero() {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "relay address is required")
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	resp, err := c.rest.R().SetContext(ctx).Get(addr.Base() + PathStatus)
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeNetworkError, "status probe to %s failed", addr)
	}
	if resp.StatusCode() == 404 || resp.StatusCode() == 405 {
		return nil, coreerrors.Newf(coreerrors.CodeNotSupported, "endpoint %s does not expose a status path", addr)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return nil, coreerrors.NewRelayTransportError(resp.StatusCode(), resp.Body())
	}
	return resp.Body(), nil
}
