package browser

import (
	"context"

	"cfspider-core/internal/core/dispose"
	coreerrors "cfspider-core/internal/core/errors"
	corelog "cfspider-core/internal/core/log"
	"cfspider-core/internal/transport"
	"cfspider-core/internal/tunnel"
)

// EngineTransport 自动化引擎可消费的传输形态：一个代理参数加一个关闭句柄
// 隧道模式下句柄同时负责回收桥和隧道会话，任何退出路径都会释放
type EngineTransport struct {
	*dispose.Dispose
	proxyURL string
}

// ProxyURL 引擎的 --proxy-server 参数；直连模式为空
func (t *EngineTransport) ProxyURL() string {
	return t.proxyURL
}

// Apply 把传输描述符落地为引擎配置
//
//	None       → 直连，无代理参数
//	LocalProxy → 引擎直接指向该代理
//	Tunnel     → 建隧道会话 + 环回 SOCKS5 桥，引擎指向桥
func Apply(ctx context.Context, desc transport.Descriptor) (*EngineTransport, error) {
	t := &EngineTransport{Dispose: dispose.NewDispose("engine-transport", ctx)}

	switch desc.Kind {
	case transport.KindNone:
		return t, nil

	case transport.KindLocalProxy:
		t.proxyURL = desc.ProxyURL()
		return t, nil

	case transport.KindTunnel:
		sess, err := tunnel.Dial(ctx, desc)
		if err != nil {
			t.Close()
			return nil, err
		}
		t.AddCleanHandler(func() error {
			sess.Close()
			return nil
		})

		bridge := NewBridge(t.Ctx(), sess)
		if err := bridge.Start(); err != nil {
			t.Close()
			return nil, err
		}
		t.AddCleanHandler(func() error {
			bridge.Close()
			return nil
		})

		t.proxyURL = "socks5://" + bridge.Addr()
		corelog.Infof("EngineTransport: tunnel %s bridged at %s", desc.TunnelHost, t.proxyURL)
		return t, nil

	default:
		t.Close()
		return nil, coreerrors.Newf(coreerrors.CodeConfigError, "unknown transport kind %d", desc.Kind)
	}
}
