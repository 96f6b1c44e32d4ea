// Package transport 解析用户提供的出口地址/凭证，得到类型化的传输配置
//
// 三种变体构成封闭集合：直连（无代理）、本地 HTTP/SOCKS5 代理、隧道端点。
// 所有消费点对变体做穷尽匹配，解析阶段即完成校验。
package transport

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	coreerrors "cfspider-core/internal/core/errors"
)

// Kind 传输变体
type Kind int

const (
	KindNone       Kind = iota // 直连，不经过任何代理
	KindLocalProxy             // 本地 HTTP/SOCKS5 代理
	KindTunnel                 // 隧道协议端点
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindLocalProxy:
		return "local_proxy"
	case KindTunnel:
		return "tunnel"
	default:
		return "unknown"
	}
}

// ProxyScheme 本地代理协议
type ProxyScheme string

const (
	SchemeHTTP   ProxyScheme = "http"
	SchemeSOCKS5 ProxyScheme = "socks5"
)

// Descriptor 传输描述符
// 不变式：Kind 确定后只有对应变体的字段有效
type Descriptor struct {
	Kind Kind

	// KindLocalProxy
	ProxyScheme ProxyScheme
	ProxyHost   string
	ProxyPort   int

	// KindTunnel
	TunnelHost string
	Credential uuid.UUID
}

// ProxyURL 返回本地代理的完整 URL，如 "socks5://127.0.0.1:1080"
func (d Descriptor) ProxyURL() string {
	if d.Kind != KindLocalProxy {
		return ""
	}
	return fmt.Sprintf("%s://%s", d.ProxyScheme, net.JoinHostPort(d.ProxyHost, strconv.Itoa(d.ProxyPort)))
}

func (d Descriptor) String() string {
	switch d.Kind {
	case KindNone:
		return "direct"
	case KindLocalProxy:
		return d.ProxyURL()
	case KindTunnel:
		return fmt.Sprintf("tunnel://%s", d.TunnelHost)
	default:
		return "unknown"
	}
}

// 主机名字符集：字母、数字、连字符、点
var hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]*[a-zA-Z0-9])?$`)

// Parse 解析地址/凭证字符串，规则按优先级：
//  1. http:// 或 socks5:// 前缀 → 对应协议的本地代理
//  2. 裸 host:port → HTTP 本地代理
//  3. 无端口的裸主机名 + 隧道凭证 → 隧道端点
//  4. 空字符串 → 直连
//
// 其余形式返回 CONFIG_ERROR，并指明出错的输入；校验在构造期完成
func Parse(spec string, credential string) (Descriptor, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Descriptor{Kind: KindNone}, nil
	}

	if strings.HasPrefix(spec, "http://") {
		return parseLocalProxy(spec, strings.TrimPrefix(spec, "http://"), SchemeHTTP)
	}
	if strings.HasPrefix(spec, "socks5://") {
		return parseLocalProxy(spec, strings.TrimPrefix(spec, "socks5://"), SchemeSOCKS5)
	}

	// 裸 host:port 默认为 HTTP 代理
	if host, port, err := net.SplitHostPort(spec); err == nil {
		return buildLocalProxy(spec, host, port, SchemeHTTP)
	}

	// 无端口的主机名：有凭证时视为隧道端点
	if hostnameRe.MatchString(spec) {
		if credential == "" {
			return Descriptor{}, coreerrors.Newf(coreerrors.CodeConfigError,
				"host %q has no port and no tunnel credential was supplied", spec)
		}
		id, err := uuid.Parse(credential)
		if err != nil {
			return Descriptor{}, coreerrors.Wrapf(err, coreerrors.CodeConfigError,
				"invalid tunnel credential for endpoint %q", spec)
		}
		return Descriptor{Kind: KindTunnel, TunnelHost: spec, Credential: id}, nil
	}

	return Descriptor{}, coreerrors.Newf(coreerrors.CodeConfigError,
		"unrecognized transport spec %q", spec)
}

func parseLocalProxy(spec, hostport string, scheme ProxyScheme) (Descriptor, error) {
	hostport = strings.TrimSuffix(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return Descriptor{}, coreerrors.Newf(coreerrors.CodeConfigError,
			"proxy spec %q must include host and port", spec)
	}
	return buildLocalProxy(spec, host, port, scheme)
}

func buildLocalProxy(spec, host, port string, scheme ProxyScheme) (Descriptor, error) {
	if host == "" {
		return Descriptor{}, coreerrors.Newf(coreerrors.CodeConfigError,
			"proxy spec %q has empty host", spec)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return Descriptor{}, coreerrors.Newf(coreerrors.CodeConfigError,
			"proxy spec %q has invalid port %q", spec, port)
	}
	return Descriptor{
		Kind:        KindLocalProxy,
		ProxyScheme: scheme,
		ProxyHost:   host,
		ProxyPort:   p,
	}, nil
}
