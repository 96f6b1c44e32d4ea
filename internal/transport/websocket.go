// Package transport WebSocket 传输层实现
// 将隧道端点的持久升级连接封装为 net.Conn，供帧协议层使用
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	coreerrors "cfspider-core/internal/core/errors"
	corelog "cfspider-core/internal/core/log"
)

const (
	websocketBufferSize      = 32 * 1024
	websocketHandshakeWindow = 20 * time.Second
)

// WSConn wraps a WebSocket connection to implement net.Conn
// for use by the tunnel frame protocol
type WSConn struct {
	conn       *websocket.Conn
	readBuf    []byte
	readMu     sync.Mutex
	writeMu    sync.Mutex
	closeOnce  sync.Once
	closed     chan struct{}
	localAddr  net.Addr
	remoteAddr net.Addr
}

// DialEndpoint 建立到隧道端点的持久 WebSocket 连接
// endpoint 可以是裸主机名或完整 ws(s)/http(s) URL；path 为升级路径
func DialEndpoint(ctx context.Context, endpoint, path string) (*WSConn, error) {
	wsURL, err := NormalizeEndpointURL(endpoint, path)
	if err != nil {
		return nil, err
	}

	corelog.Debugf("WebSocket: connecting to %s", wsURL)

	dialer := websocket.Dialer{
		HandshakeTimeout: websocketHandshakeWindow,
		ReadBufferSize:   websocketBufferSize,
		WriteBufferSize:  websocketBufferSize,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeNetworkError, "websocket dial failed")
	}

	corelog.Infof("WebSocket: connected to %s", wsURL)

	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	return &WSConn{
		conn:       conn,
		closed:     make(chan struct{}),
		localAddr:  &wsAddr{addr: "websocket-local"},
		remoteAddr: &wsAddr{addr: wsURL},
	}, nil
}

// Read implements io.Reader
func (c *WSConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	select {
	case <-c.closed:
		return 0, io.EOF
	default:
	}

	// If we have buffered data, return it first
	if len(c.readBuf) > 0 {
		n := copy(p, c.readBuf)
		c.readBuf = c.readBuf[n:]
		return n, nil
	}

	// Read next WebSocket message
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		select {
		case <-c.closed:
			return 0, io.EOF
		default:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, coreerrors.Wrap(err, coreerrors.CodeNetworkError, "websocket read failed")
		}
	}

	if messageType != websocket.BinaryMessage {
		return 0, coreerrors.Newf(coreerrors.CodeProtocolError, "unexpected websocket message type: %d", messageType)
	}

	n := copy(p, data)

	// If we couldn't fit all data, buffer the rest
	if n < len(data) {
		c.readBuf = append(c.readBuf, data[n:]...)
	}

	return n, nil
}

// Write implements io.Writer
func (c *WSConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, coreerrors.Wrap(err, coreerrors.CodeNetworkError, "websocket write failed")
	}
	return len(p), nil
}

// Close implements io.Closer
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))

		err = c.conn.Close()
		corelog.Debugf("WebSocket: connection closed")
	})
	return err
}

// LocalAddr implements net.Conn
func (c *WSConn) LocalAddr() net.Addr {
	return c.localAddr
}

// RemoteAddr implements net.Conn
func (c *WSConn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// SetDeadline implements net.Conn
func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

// SetReadDeadline implements net.Conn
func (c *WSConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn
func (c *WSConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// wsAddr implements net.Addr for WebSocket connections
type wsAddr struct {
	addr string
}

func (a *wsAddr) Network() string {
	return "websocket"
}

func (a *wsAddr) String() string {
	return a.addr
}

// NormalizeEndpointURL 规范化隧道端点 URL，支持多种格式：
// - v2.example.com           -> wss://v2.example.com/<path>
// - v2.example.com:8443      -> wss://v2.example.com:8443/<path>
// - https://v2.example.com   -> wss://v2.example.com/<path>
// - ws://v2.example.com/x    -> ws://v2.example.com/x (已含路径时保留)
func NormalizeEndpointURL(endpoint, path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") ||
		strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		parsedURL, err := url.Parse(endpoint)
		if err != nil {
			return "", coreerrors.Wrap(err, coreerrors.CodeInvalidParam, "invalid endpoint URL")
		}

		scheme := strings.ToLower(parsedURL.Scheme)
		if scheme == "http" {
			scheme = "ws"
		} else if scheme == "https" {
			scheme = "wss"
		}

		p := parsedURL.Path
		if p == "" || p == "/" {
			p = path
		}

		return fmt.Sprintf("%s://%s%s", scheme, parsedURL.Host, p), nil
	}

	if endpoint == "" {
		return "", coreerrors.New(coreerrors.CodeInvalidParam, "empty tunnel endpoint")
	}

	return fmt.Sprintf("wss://%s%s", endpoint, path), nil
}
