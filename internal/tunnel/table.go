package tunnel

import (
	"sync"

	coreerrors "cfspider-core/internal/core/errors"
)

// streamTable 流注册表，同时持有会话级失败原因
type streamTable struct {
	mu      sync.Mutex
	streams map[uint32]*Stream
	nextID  uint32
	sessErr error
}

func newStreamTable() *streamTable {
	return &streamTable{streams: make(map[uint32]*Stream)}
}

// add 分配下一个流 ID 并注册工厂创建的流
// ID 单调递增，会话生命周期内不复用
func (t *streamTable) add(build func(id uint32) *Stream) (uint32, *Stream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	stream := build(t.nextID)
	t.streams[t.nextID] = stream
	return t.nextID, stream
}

func (t *streamTable) get(id uint32) (*Stream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stream, ok := t.streams[id]
	return stream, ok
}

func (t *streamTable) remove(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, id)
}

// setSessionErr 记录会话失败原因；只有第一个原因生效
func (t *streamTable) setSessionErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessErr == nil {
		t.sessErr = err
	}
}

// sessionErr 返回会话失败原因；主动关闭时为 SESSION_CLOSED
func (t *streamTable) sessionErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessErr != nil {
		return t.sessErr
	}
	return coreerrors.New(coreerrors.CodeSessionClosed, "tunnel session is closed")
}

// failAll 以会话失败原因终结所有活跃流，返回该原因
func (t *streamTable) failAll() error {
	t.mu.Lock()
	err := t.sessErr
	if err == nil {
		err = coreerrors.New(coreerrors.CodeSessionClosed, "tunnel session is closed")
	}
	streams := make([]*Stream, 0, len(t.streams))
	for _, s := range t.streams {
		streams = append(streams, s)
	}
	t.streams = make(map[uint32]*Stream)
	t.mu.Unlock()

	for _, s := range streams {
		s.fail(err)
	}
	return err
}
