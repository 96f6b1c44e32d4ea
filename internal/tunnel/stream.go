package tunnel

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	coreerrors "cfspider-core/internal/core/errors"
)

// streamRecvBuffer 每条流的入站帧缓冲深度
// 缓冲满后会话读循环阻塞，对端自然受到背压
const streamRecvBuffer = 32

// Stream 隧道上的一条逻辑流，实现 net.Conn
// Read 遵循 net.Conn 约定由单个消费者调用；Write/Close 并发安全
type Stream struct {
	id      uint32
	sess    *Session
	target  string
	limiter *rate.Limiter

	recvCh   chan []byte
	leftover []byte

	eofOnce sync.Once
	eofCh   chan struct{}

	closeOnce sync.Once
	done      chan struct{}

	errMu   sync.Mutex
	failure error

	deadlineMu    sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

func newStream(id uint32, sess *Session, target string, limiter *rate.Limiter) *Stream {
	return &Stream{
		id:      id,
		sess:    sess,
		target:  target,
		limiter: limiter,
		recvCh:  make(chan []byte, streamRecvBuffer),
		eofCh:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// deliver 由会话读循环调用，把入站负载交给流
// 缓冲满时阻塞（背压）；流已关闭则丢弃
func (s *Stream) deliver(payload []byte) {
	select {
	case s.recvCh <- payload:
	case <-s.done:
	}
}

// closeRemote 对端发来 CLOSE 帧：已缓冲的数据仍可读完，之后 Read 返回 EOF
func (s *Stream) closeRemote() {
	s.eofOnce.Do(func() { close(s.eofCh) })
}

// fail 会话级失败传导到流；err 决定后续 Read/Write 返回的错误码
func (s *Stream) fail(err error) {
	s.errMu.Lock()
	if s.failure == nil {
		s.failure = err
	}
	s.errMu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Stream) failErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	return coreerrors.New(coreerrors.CodeStreamClosed, "stream is closed")
}

func (s *Stream) Read(p []byte) (int, error) {
	if len(s.leftover) > 0 {
		n := copy(p, s.leftover)
		s.leftover = s.leftover[n:]
		return n, nil
	}

	var timeout <-chan time.Time
	s.deadlineMu.Lock()
	deadline := s.readDeadline
	s.deadlineMu.Unlock()
	if !deadline.IsZero() {
		remain := time.Until(deadline)
		if remain <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(remain)
		defer timer.Stop()
		timeout = timer.C
	}

	// 先无阻塞地取缓冲数据，EOF/关闭之后残留的入站数据不能丢
	select {
	case data := <-s.recvCh:
		return s.consume(p, data), nil
	default:
	}

	select {
	case data := <-s.recvCh:
		return s.consume(p, data), nil
	case <-s.eofCh:
		select {
		case data := <-s.recvCh:
			return s.consume(p, data), nil
		default:
			return 0, io.EOF
		}
	case <-s.done:
		select {
		case data := <-s.recvCh:
			return s.consume(p, data), nil
		default:
			return 0, s.failErr()
		}
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}
}

func (s *Stream) consume(p, data []byte) int {
	n := copy(p, data)
	if n < len(data) {
		s.leftover = data[n:]
	}
	return n
}

func (s *Stream) Write(p []byte) (int, error) {
	s.deadlineMu.Lock()
	deadline := s.writeDeadline
	s.deadlineMu.Unlock()

	total := 0
	for len(p) > 0 {
		select {
		case <-s.done:
			return total, s.failErr()
		case <-s.eofCh:
			return total, coreerrors.New(coreerrors.CodeStreamClosed, "stream closed by remote")
		default:
		}

		chunk := p
		if len(chunk) > maxFrameData {
			chunk = p[:maxFrameData]
		}

		if s.limiter != nil {
			if err := s.limiter.WaitN(s.sess.Ctx(), len(chunk)); err != nil {
				return total, coreerrors.Wrap(err, coreerrors.CodeStreamClosed, "rate limiter aborted")
			}
		}

		// 帧进入发送队列后异步写出，负载必须独立于调用方缓冲
		payload := append([]byte(nil), chunk...)
		if err := s.sess.enqueue(&frame{typ: frameData, streamID: s.id, payload: payload}, s.done, deadline); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Close 关闭流并通知对端；幂等
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.sess.removeStream(s.id)
		s.sess.enqueueBestEffort(&frame{typ: frameClose, streamID: s.id})
	})
	return nil
}

func (s *Stream) LocalAddr() net.Addr {
	return s.sess.conn.LocalAddr()
}

func (s *Stream) RemoteAddr() net.Addr {
	return streamAddr{target: s.target}
}

func (s *Stream) SetDeadline(t time.Time) error {
	s.deadlineMu.Lock()
	s.readDeadline = t
	s.writeDeadline = t
	s.deadlineMu.Unlock()
	return nil
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	s.deadlineMu.Lock()
	s.readDeadline = t
	s.deadlineMu.Unlock()
	return nil
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.deadlineMu.Lock()
	s.writeDeadline = t
	s.deadlineMu.Unlock()
	return nil
}

// streamAddr 流的远端地址视图（目标 host:port）
type streamAddr struct {
	target string
}

func (a streamAddr) Network() string { return "tunnel" }
func (a streamAddr) String() string  { return a.target }
