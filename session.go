package cfspider

import (
	"context"
	"net/http"

	coreerrors "cfspider-core/internal/core/errors"
	"cfspider-core/internal/relay"
	"cfspider-core/internal/transport"
)

// Session 跨请求保持 Cookie 与默认头的中继会话
// 会话始终工作在中继模式，构造时必须给出中继地址
type Session struct {
	inner *relay.Session
}

// NewSession 创建会话
// 选项中的 WithHeaders 成为会话级默认头，WithProxy 作用于底层中继调用
func NewSession(relayAddr string, opts ...Option) (*Session, error) {
	addr, err := relay.ParseAddress(relayAddr)
	if err != nil {
		return nil, err
	}

	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	if !o.relayAddr.IsZero() {
		return nil, coreerrors.New(coreerrors.CodeInvalidParam,
			"pass the relay address as the first argument, not via WithRelay")
	}

	sessionOpts := []relay.SessionOption{relay.WithDefaultHeader(o.header)}
	if o.proxy.Kind != transport.KindNone {
		client, err := relay.NewClient(relay.WithProxy(o.proxy))
		if err != nil {
			return nil, err
		}
		sessionOpts = append(sessionOpts, relay.WithClient(client))
	}

	inner, err := relay.NewSession(context.Background(), addr, sessionOpts...)
	if err != nil {
		return nil, err
	}
	return &Session{inner: inner}, nil
}

// Get 在会话中发起 GET 请求
func (s *Session) Get(url string, opts ...Option) (*Response, error) {
	return s.Do(context.Background(), relay.MethodGet, url, opts...)
}

// Post 在会话中发起 POST 请求
func (s *Session) Post(url string, opts ...Option) (*Response, error) {
	return s.Do(context.Background(), relay.MethodPost, url, opts...)
}

// Put 在会话中发起 PUT 请求
func (s *Session) Put(url string, opts ...Option) (*Response, error) {
	return s.Do(context.Background(), relay.MethodPut, url, opts...)
}

// Delete 在会话中发起 DELETE 请求
func (s *Session) Delete(url string, opts ...Option) (*Response, error) {
	return s.Do(context.Background(), relay.MethodDelete, url, opts...)
}

// Head 在会话中发起 HEAD 请求
func (s *Session) Head(url string, opts ...Option) (*Response, error) {
	return s.Do(context.Background(), relay.MethodHead, url, opts...)
}

// Options 在会话中发起 OPTIONS 请求
func (s *Session) Options(url string, opts ...Option) (*Response, error) {
	return s.Do(context.Background(), relay.MethodOptions, url, opts...)
}

// Patch 在会话中发起 PATCH 请求
func (s *Session) Patch(url string, opts ...Option) (*Response, error) {
	return s.Do(context.Background(), relay.MethodPatch, url, opts...)
}

// Do 在会话中以显式上下文发起请求
func (s *Session) Do(ctx context.Context, method relay.Method, url string, opts ...Option) (*Response, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	if !o.relayAddr.IsZero() || o.proxy.Kind != transport.KindNone {
		return nil, coreerrors.New(coreerrors.CodeInvalidParam,
			"relay address and proxy are fixed at session construction")
	}
	return s.inner.Do(ctx, o.request(method, url))
}

// SetHeader 更新会话级默认头
func (s *Session) SetHeader(key, value string) {
	s.inner.SetHeader(key, value)
}

// Cookies 返回会发送给指定 URL 的 Cookie
func (s *Session) Cookies(url string) ([]*http.Cookie, error) {
	return s.inner.Cookies(url)
}

// SetCookies 把 Cookie 写入会话
func (s *Session) SetCookies(url string, cookies []*http.Cookie) error {
	return s.inner.SetCookies(url, cookies)
}

// Records 返回近期中继调用的观测记录
func (s *Session) Records() []relay.Record {
	return s.inner.Records().Recent()
}

// Close 关闭会话；幂等，之后的请求返回 SESSION_CLOSED
func (s *Session) Close() error {
	return s.inner.CloseWithError()
}
