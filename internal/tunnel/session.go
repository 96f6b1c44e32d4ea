package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"cfspider-core/internal/core/dispose"
	coreerrors "cfspider-core/internal/core/errors"
	corelog "cfspider-core/internal/core/log"
	"cfspider-core/internal/transport"
)

// DefaultPath 隧道端点的 WebSocket 路径
const DefaultPath = "/tunnel"

// handshakeTimeout 握手回复的等待上限
const handshakeTimeout = 10 * time.Second

// sendQueueDepth 出站帧队列深度；满时写入方阻塞
const sendQueueDepth = 64

// Session 一条隧道会话：单连接、单读循环、单写循环、多逻辑流
//
// 会话断开后所有流以 TUNNEL_DISCONNECTED 失败，不自动重连；
// 调用方拿到该错误码后自行决定是否新建会话
type Session struct {
	*dispose.Dispose

	conn    net.Conn
	writeCh chan *frame

	streamRate  rate.Limit
	streamBurst int

	streams *streamTable
}

// SessionOption 会话配置选项
type SessionOption func(*Session)

// WithStreamRate 启用每条流的字节限速
func WithStreamRate(bytesPerSecond int) SessionOption {
	return func(s *Session) {
		if bytesPerSecond > 0 {
			s.streamRate = rate.Limit(bytesPerSecond)
			s.streamBurst = bytesPerSecond
		}
	}
}

// Dial 建立隧道会话：拨号、握手、启动读写循环
//
// 凭证被拒绝（非零状态或握手期连接被关闭）返回 AUTH_FAILED，不应重试
func Dial(ctx context.Context, desc transport.Descriptor, opts ...SessionOption) (*Session, error) {
	if desc.Kind != transport.KindTunnel {
		return nil, coreerrors.Newf(coreerrors.CodeConfigError, "descriptor kind %d is not a tunnel endpoint", desc.Kind)
	}
	if desc.Credential == uuid.Nil {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "tunnel credential is required")
	}

	conn, err := transport.DialEndpoint(ctx, desc.TunnelHost, DefaultPath)
	if err != nil {
		return nil, err
	}

	if err := handshake(conn, desc.Credential); err != nil {
		conn.Close()
		return nil, err
	}

	s := &Session{
		conn:    conn,
		writeCh: make(chan *frame, sendQueueDepth),
		streams: newStreamTable(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.Dispose = dispose.NewDispose("tunnel-session", ctx)
	s.AddCleanHandler(func() error {
		failErr := s.streams.failAll()
		corelog.Infof("TunnelSession: closed (%v)", coreerrors.GetCode(failErr))
		return s.conn.Close()
	})

	go s.readLoop()
	go s.writeLoop()

	corelog.Infof("TunnelSession: established to %s", desc.TunnelHost)
	return s, nil
}

// handshake 发送凭证并校验服务端回复
func handshake(conn net.Conn, credential uuid.UUID) error {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(encodeHandshake(credential)); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeNetworkError, "failed to send tunnel handshake")
	}

	var reply [2]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		// 凭证无效的服务端不回包直接断开
		var closeErr *websocket.CloseError
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
			errors.Is(err, net.ErrClosed) || errors.As(err, &closeErr) {
			return coreerrors.Wrap(err, coreerrors.CodeAuthFailed, "tunnel endpoint rejected credential")
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return coreerrors.Wrap(err, coreerrors.CodeTimeout, "tunnel handshake timed out")
		}
		return coreerrors.Wrap(err, coreerrors.CodeNetworkError, "failed to read tunnel handshake reply")
	}

	if reply[0] != ProtocolVersion {
		return coreerrors.Newf(coreerrors.CodeProtocolError, "unexpected protocol version 0x%02x in handshake reply", reply[0])
	}
	if reply[1] != handshakeStatusOK {
		return coreerrors.Newf(coreerrors.CodeAuthFailed, "tunnel endpoint rejected credential with status 0x%02x", reply[1])
	}
	return nil
}

// Open 在会话上打开一条到目标的逻辑流
func (s *Session) Open(ctx context.Context, host string, port int) (net.Conn, error) {
	if s.IsClosed() {
		return nil, s.streams.sessionErr()
	}
	if port < 1 || port > 65535 {
		return nil, coreerrors.Newf(coreerrors.CodeInvalidParam, "invalid target port %d", port)
	}
	// 地址的可编码性在入队前校验，坏主机名不污染帧流
	if _, err := encodeAddress(host); err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if s.streamRate > 0 {
		limiter = rate.NewLimiter(s.streamRate, s.streamBurst)
	}

	target := net.JoinHostPort(host, strconv.Itoa(port))
	id, stream := s.streams.add(func(id uint32) *Stream {
		return newStream(id, s, target, limiter)
	})

	open := &frame{typ: frameOpen, streamID: id, addr: host, port: uint16(port)}
	select {
	case s.writeCh <- open:
	case <-ctx.Done():
		s.removeStream(id)
		return nil, coreerrors.Wrap(ctx.Err(), coreerrors.CodeTimeout, "tunnel open aborted")
	case <-s.Ctx().Done():
		s.removeStream(id)
		return nil, s.streams.sessionErr()
	}

	corelog.Debugf("TunnelSession: opened stream %d to %s", id, target)
	return stream, nil
}

// enqueue 把帧放入发送队列；abort 关闭或超过 deadline 时放弃
func (s *Session) enqueue(f *frame, abort <-chan struct{}, deadline time.Time) error {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		remain := time.Until(deadline)
		if remain <= 0 {
			return os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(remain)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case s.writeCh <- f:
		return nil
	case <-abort:
		return coreerrors.New(coreerrors.CodeStreamClosed, "stream is closed")
	case <-s.Ctx().Done():
		return s.streams.sessionErr()
	case <-timeout:
		return os.ErrDeadlineExceeded
	}
}

// enqueueBestEffort 尽力投递控制帧，会话已关闭时直接放弃
func (s *Session) enqueueBestEffort(f *frame) {
	select {
	case s.writeCh <- f:
	case <-s.Ctx().Done():
	}
}

func (s *Session) removeStream(id uint32) {
	s.streams.remove(id)
}

// teardown 记录失败原因并关闭整条会话
func (s *Session) teardown(err error) {
	s.streams.setSessionErr(err)
	corelog.Warnf("TunnelSession: torn down: %v", err)
	s.Close()
}

// readLoop 唯一的连接读取方：解帧并分发到各流
func (s *Session) readLoop() {
	for {
		f, err := readFrame(s.conn)
		if err != nil {
			if s.IsClosed() {
				return
			}
			if coreerrors.IsCode(err, coreerrors.CodeProtocolError) {
				// 帧流已不可信，整条会话作废
				s.teardown(err)
			} else {
				s.teardown(coreerrors.Wrap(err, coreerrors.CodeTunnelDisconnected, "tunnel connection lost"))
			}
			return
		}

		switch f.typ {
		case frameData:
			if stream, ok := s.streams.get(f.streamID); ok {
				stream.deliver(f.payload)
			}
			// 流刚被本端关闭时的在途数据直接丢弃
		case frameClose:
			if stream, ok := s.streams.get(f.streamID); ok {
				s.streams.remove(f.streamID)
				stream.closeRemote()
			}
		case frameOpen:
			s.teardown(coreerrors.New(coreerrors.CodeProtocolError, "unexpected OPEN frame from server"))
			return
		}
	}
}

// writeLoop 唯一的连接写入方，保证帧不交错
func (s *Session) writeLoop() {
	for {
		select {
		case f := <-s.writeCh:
			if err := writeFrame(s.conn, f); err != nil {
				if !s.IsClosed() {
					s.teardown(coreerrors.Wrap(err, coreerrors.CodeTunnelDisconnected, "tunnel connection lost"))
				}
				return
			}
		case <-s.Ctx().Done():
			return
		}
	}
}
