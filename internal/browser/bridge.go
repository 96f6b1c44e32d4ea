// Package browser 自动化引擎的传输适配与页面操作
//
// 引擎进程只认标准代理参数，无法直接驾驭隧道流；
// 隧道模式下在环回地址起一个 SOCKS5 桥，每个引擎连接对应一条隧道流
package browser

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"cfspider-core/internal/core/dispose"
	coreerrors "cfspider-core/internal/core/errors"
	corelog "cfspider-core/internal/core/log"
)

// SOCKS5 协议常量
const (
	socksVersion     = 0x05
	socksAuthNone    = 0x00
	socksAuthNoMatch = 0xFF
	socksCmdConnect  = 0x01
	socksAddrIPv4    = 0x01
	socksAddrDomain  = 0x03
	socksAddrIPv6    = 0x04
	socksRepSuccess  = 0x00
	socksRepFailure  = 0x01
)

// socksHandshakeWindow 单个引擎连接完成握手的时间上限
const socksHandshakeWindow = 30 * time.Second

// StreamOpener 为桥接的每个连接打开一条到目标的流
type StreamOpener interface {
	Open(ctx context.Context, host string, port int) (net.Conn, error)
}

// Bridge 环回 SOCKS5 桥：接受引擎连接，握手取目标，经 opener 建流后双向转发
type Bridge struct {
	*dispose.Dispose

	opener   StreamOpener
	listener net.Listener
}

// NewBridge 创建桥；Start 之前不监听
func NewBridge(ctx context.Context, opener StreamOpener) *Bridge {
	b := &Bridge{
		Dispose: dispose.NewDispose("socks5-bridge", ctx),
		opener:  opener,
	}
	b.AddCleanHandler(func() error {
		if b.listener != nil {
			return b.listener.Close()
		}
		return nil
	})
	return b
}

// Start 在环回地址上随机端口监听
func (b *Bridge) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeNetworkError, "failed to start SOCKS5 bridge listener")
	}
	b.listener = listener

	corelog.Infof("SOCKS5Bridge: listening on %s", listener.Addr())
	go b.acceptLoop()
	return nil
}

// Addr 返回监听地址（host:port）；Start 之前为空
func (b *Bridge) Addr() string {
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

func (b *Bridge) acceptLoop() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if b.IsClosed() {
				return
			}
			corelog.Warnf("SOCKS5Bridge: accept error: %v", err)
			continue
		}
		go b.handleConnection(conn)
	}
}

func (b *Bridge) handleConnection(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(socksHandshakeWindow))

	host, port, err := b.handshake(conn)
	if err != nil {
		corelog.Warnf("SOCKS5Bridge: handshake failed: %v", err)
		conn.Close()
		return
	}

	conn.SetDeadline(time.Time{})
	corelog.Debugf("SOCKS5Bridge: CONNECT %s:%d from %s", host, port, conn.RemoteAddr())

	stream, err := b.opener.Open(b.Ctx(), host, port)
	if err != nil {
		corelog.Warnf("SOCKS5Bridge: failed to open stream: %v", err)
		b.sendReply(conn, socksRepFailure)
		conn.Close()
		return
	}

	// 流就绪后才回成功，引擎不会在隧道可用前开始发请求
	b.sendReply(conn, socksRepSuccess)
	b.pipe(conn, stream)
}

// pipe 双向转发直到任一方向结束
func (b *Bridge) pipe(conn, stream net.Conn) {
	var g errgroup.Group
	g.Go(func() error {
		io.Copy(stream, conn)
		stream.Close()
		return nil
	})
	g.Go(func() error {
		io.Copy(conn, stream)
		conn.Close()
		return nil
	})
	g.Wait()
}

// handshake SOCKS5 协商 + CONNECT 请求解析，返回目标地址
func (b *Bridge) handshake(conn net.Conn) (string, int, error) {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "", 0, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "failed to read version")
	}
	if buf[0] != socksVersion {
		return "", 0, coreerrors.Newf(coreerrors.CodeProtocolError, "unsupported SOCKS version: %d", buf[0])
	}

	nmethods := int(buf[1])
	if nmethods == 0 {
		return "", 0, coreerrors.New(coreerrors.CodeProtocolError, "no authentication methods provided")
	}
	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", 0, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "failed to read methods")
	}

	authMethod := byte(socksAuthNoMatch)
	for _, m := range methods {
		if m == socksAuthNone {
			authMethod = socksAuthNone
			break
		}
	}
	if _, err := conn.Write([]byte{socksVersion, authMethod}); err != nil {
		return "", 0, coreerrors.Wrap(err, coreerrors.CodeNetworkError, "failed to write auth method")
	}
	if authMethod == socksAuthNoMatch {
		return "", 0, coreerrors.New(coreerrors.CodeProtocolError, "no acceptable authentication method")
	}

	buf = make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "", 0, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "failed to read request")
	}
	if buf[0] != socksVersion {
		b.sendReply(conn, socksRepFailure)
		return "", 0, coreerrors.Newf(coreerrors.CodeProtocolError, "invalid version in request: %d", buf[0])
	}
	if buf[1] != socksCmdConnect {
		b.sendReply(conn, 0x07) // command not supported
		return "", 0, coreerrors.Newf(coreerrors.CodeProtocolError, "unsupported command: %d", buf[1])
	}

	var host string
	switch buf[3] {
	case socksAddrIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", 0, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "failed to read IPv4 address")
		}
		host = net.IP(addr).String()
	case socksAddrDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return "", 0, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "failed to read domain length")
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", 0, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "failed to read domain")
		}
		host = string(domain)
	case socksAddrIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", 0, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "failed to read IPv6 address")
		}
		host = net.IP(addr).String()
	default:
		b.sendReply(conn, 0x08) // address type not supported
		return "", 0, coreerrors.Newf(coreerrors.CodeProtocolError, "unsupported address type: %d", buf[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return "", 0, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "failed to read port")
	}
	return host, int(binary.BigEndian.Uint16(portBuf)), nil
}

func (b *Bridge) sendReply(conn net.Conn, rep byte) {
	conn.Write([]byte{
		socksVersion, rep, 0x00, socksAddrIPv4,
		0, 0, 0, 0,
		0, 0,
	})
}
