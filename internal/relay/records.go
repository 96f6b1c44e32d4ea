package relay

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Record 一次中继调用的观测记录：经过的节点、追踪标识、耗时
type Record struct {
	URL     string
	Colo    string
	Ray     string
	Status  int
	Latency time.Duration
	At      time.Time
}

// DefaultRecordCapacity 默认保留的记录条数
const DefaultRecordCapacity = 256

// Records 近期调用记录的有界收集器
// 容量满后淘汰最旧记录；并发安全
type Records struct {
	mu    sync.Mutex
	seq   uint64
	cache *lru.Cache[uint64, Record]
}

// NewRecords 创建记录收集器；capacity <= 0 时使用默认容量
func NewRecords(capacity int) *Records {
	if capacity <= 0 {
		capacity = DefaultRecordCapacity
	}
	cache, _ := lru.New[uint64, Record](capacity)
	return &Records{cache: cache}
}

// Add 追加一条记录
func (r *Records) Add(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.cache.Add(r.seq, rec)
}

// Recent 按从旧到新的顺序返回当前保留的记录
func (r *Records) Recent() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.cache.Keys()
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		if rec, ok := r.cache.Peek(k); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Len 当前保留的记录条数
func (r *Records) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}

// Clear 清空记录
func (r *Records) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Purge()
}
