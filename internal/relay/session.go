package relay

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"

	coreerrors "cfspider-core/internal/core/errors"
	"cfspider-core/internal/core/dispose"
	corelog "cfspider-core/internal/core/log"
)

// Session 跨调用保持 Cookie 和默认请求头的中继会话
//
// 不变式：
//   - 会话必须绑定中继地址，缺失时构造即失败
//   - Cookie 合并是原子的：并发响应各自的 Set-Cookie 不会互相丢失
//   - Close 幂等；关闭后的调用返回 SESSION_CLOSED
type Session struct {
	*dispose.Dispose

	client *Client
	addr   Address

	headerMu sync.RWMutex
	header   http.Header

	// cookiejar 自身并发安全；jarMu 保证"读取请求 Cookie + 写回响应 Cookie"
	// 之外的批量操作（如 ClearCookies 后立即 Add）不会交错
	jarMu sync.Mutex
	jar   *cookiejar.Jar
}

// SessionOption 会话配置选项
type SessionOption func(*Session) error

// WithClient 指定会话使用的中继客户端（默认新建一个）
func WithClient(c *Client) SessionOption {
	return func(s *Session) error {
		s.client = c
		return nil
	}
}

// WithDefaultHeader 设置会话级默认请求头，单次请求的同名头优先
func WithDefaultHeader(h http.Header) SessionOption {
	return func(s *Session) error {
		for key, values := range h {
			for _, v := range values {
				s.header.Add(key, v)
			}
		}
		return nil
	}
}

// NewSession 创建会话；addr 为空时返回 CONFIG_ERROR
func NewSession(ctx context.Context, addr Address, opts ...SessionOption) (*Session, error) {
	if addr.IsZero() {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "session requires a relay address")
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "failed to create cookie jar")
	}

	s := &Session{
		Dispose: dispose.NewDispose("relay-session", ctx),
		addr:    addr,
		header:  make(http.Header),
		jar:     jar,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.client == nil {
		client, err := NewClient()
		if err != nil {
			return nil, err
		}
		s.client = client
	}

	corelog.Debugf("Session: created for %s", addr)
	return s, nil
}

// Address 返回会话绑定的中继地址
func (s *Session) Address() Address {
	return s.addr
}

// SetHeader 更新会话级默认头
func (s *Session) SetHeader(key, value string) {
	s.headerMu.Lock()
	defer s.headerMu.Unlock()
	s.header.Set(key, value)
}

// Do 在会话上下文中执行一次中继调用
// 默认头被单次请求的同名头覆盖；Cookie 自动附带并在响应后合并回罐
func (s *Session) Do(ctx context.Context, req *Request) (*Response, error) {
	if s.IsClosed() {
		return nil, coreerrors.New(coreerrors.CodeSessionClosed, "session is closed")
	}

	target, err := req.TargetURL()
	if err != nil {
		return nil, err
	}
	targetURL, err := url.Parse(target)
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeInvalidParam, "invalid target URL %q", target)
	}

	merged := s.mergeHeader(req.Header, targetURL)
	callReq := *req
	callReq.Header = merged

	resp, err := s.client.Do(ctx, &callReq, s.addr)
	if err != nil {
		return nil, err
	}

	if cookies := resp.Cookies(); len(cookies) > 0 {
		s.jarMu.Lock()
		s.jar.SetCookies(targetURL, cookies)
		s.jarMu.Unlock()
	}
	return resp, nil
}

// mergeHeader 合并默认头、单次请求头和罐中 Cookie
// 锁内只做内存拷贝，网络 I/O 全部在锁外
func (s *Session) mergeHeader(reqHeader http.Header, target *url.URL) http.Header {
	merged := make(http.Header)

	s.headerMu.RLock()
	for key, values := range s.header {
		merged[key] = append([]string(nil), values...)
	}
	s.headerMu.RUnlock()

	for key, values := range reqHeader {
		merged[key] = append([]string(nil), values...)
	}

	s.jarMu.Lock()
	cookies := s.jar.Cookies(target)
	s.jarMu.Unlock()

	if len(cookies) > 0 {
		pairs := make([]string, 0, len(cookies)+1)
		for _, c := range cookies {
			pairs = append(pairs, c.Name+"="+c.Value)
		}
		// 单次请求显式给出的 Cookie 排在罐内 Cookie 之后，同名时由目标侧按先出现优先
		if explicit := merged.Get("Cookie"); explicit != "" {
			pairs = append(pairs, explicit)
		}
		merged.Set("Cookie", strings.Join(pairs, "; "))
	}
	return merged
}

// SetCookies 把一组 Cookie 写入会话罐
func (s *Session) SetCookies(rawURL string, cookies []*http.Cookie) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeInvalidParam, "invalid cookie URL %q", rawURL)
	}
	s.jarMu.Lock()
	s.jar.SetCookies(u, cookies)
	s.jarMu.Unlock()
	return nil
}

// Cookies 返回会发送给指定 URL 的 Cookie
func (s *Session) Cookies(rawURL string) ([]*http.Cookie, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeInvalidParam, "invalid cookie URL %q", rawURL)
	}
	s.jarMu.Lock()
	defer s.jarMu.Unlock()
	return s.jar.Cookies(u), nil
}

// Records 返回底层客户端的调用记录
func (s *Session) Records() *Records {
	return s.client.Records()
}
