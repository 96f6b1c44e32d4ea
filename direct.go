package cfspider

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"

	coreerrors "cfspider-core/internal/core/errors"
	"cfspider-core/internal/relay"
	"cfspider-core/internal/transport"
)

// directDo 直连/代理模式：不经边缘，直接请求目标
// 响应形状与中继模式一致；Colo/Ray 仅在目标本身位于边缘网络后面时有值
func directDo(ctx context.Context, req *relay.Request, proxy transport.Descriptor) (*relay.Response, error) {
	target, err := req.TargetURL()
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetTimeout(0)

	switch proxy.Kind {
	case transport.KindNone:
	case transport.KindLocalProxy:
		client.SetProxy(proxy.ProxyURL())
	case transport.KindTunnel:
		return nil, coreerrors.New(coreerrors.CodeConfigError,
			"tunnel endpoints carry raw streams; use Browser for tunneled page access")
	default:
		return nil, coreerrors.Newf(coreerrors.CodeConfigError, "unknown transport kind %d", proxy.Kind)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = relay.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := client.R().SetContext(ctx)
	for key, values := range req.Header {
		for _, v := range values {
			r.SetHeader(key, v)
		}
	}

	switch req.Body {
	case relay.BodyNone:
	case relay.BodyForm:
		r.SetHeader("Content-Type", "application/x-www-form-urlencoded")
		r.SetBody([]byte(url.Values(req.Form).Encode()))
	case relay.BodyJSON:
		r.SetHeader("Content-Type", "application/json")
		r.SetBody(req.JSON)
	case relay.BodyRaw:
		r.SetHeader("Content-Type", "application/octet-stream")
		r.SetBody(req.Raw)
	default:
		return nil, coreerrors.Newf(coreerrors.CodeInvalidParam, "unknown body kind %d", req.Body)
	}

	resp, err := r.Execute(string(req.Method), target)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, coreerrors.Wrapf(err, coreerrors.CodeTimeout,
				"request to %s timed out after %s", req.URL, timeout)
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, coreerrors.Wrapf(err, coreerrors.CodeTimeout, "request to %s timed out", req.URL)
		}
		return nil, coreerrors.Wrapf(err, coreerrors.CodeNetworkError, "request to %s failed", req.URL)
	}

	var headers []relay.HeaderItem
	if raw := resp.RawResponse; raw != nil {
		for key, values := range raw.Header {
			for _, v := range values {
				headers = append(headers, relay.HeaderItem{Key: key, Value: v})
			}
		}
	}

	// 目标本身在边缘网络后面时透传其追踪标识
	ray := resp.Header().Get("CF-Ray")
	out := relay.NewResponse(resp.StatusCode(), headers, resp.Body(), coloFromRay(ray), ray)
	out.URL = target
	return out, nil
}

// coloFromRay 追踪标识的尾段是节点代码，例如 "8f1a2b3c4d-NRT" → "NRT"
func coloFromRay(ray string) string {
	if i := strings.LastIndex(ray, "-"); i >= 0 && i < len(ray)-1 {
		return ray[i+1:]
	}
	return ""
}
