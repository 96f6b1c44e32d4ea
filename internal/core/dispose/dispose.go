// Package dispose 提供作用域化的资源释放机制
// 持有连接/进程的组件内嵌 Dispose，保证任何退出路径上资源只释放一次
package dispose

import (
	"context"
	"fmt"
	"sync"

	corelog "cfspider-core/internal/core/log"
)

// DisposeError 清理过程中的错误信息
type DisposeError struct {
	HandlerIndex int
	ResourceName string
	Err          error
}

func (e *DisposeError) Error() string {
	if e.ResourceName != "" {
		return fmt.Sprintf("cleanup resource[%s] handler[%d] failed: %v", e.ResourceName, e.HandlerIndex, e.Err)
	}
	return fmt.Sprintf("cleanup handler[%d] failed: %v", e.HandlerIndex, e.Err)
}

// DisposeResult 清理结果
type DisposeResult struct {
	Errors []*DisposeError
}

func (r *DisposeResult) HasErrors() bool {
	return len(r.Errors) > 0
}

func (r *DisposeResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	return fmt.Sprintf("dispose cleanup failed with %d errors", len(r.Errors))
}

// Disposable 统一的资源释放接口
type Disposable interface {
	Dispose() error
}

// Dispose 资源管理结构体
// 清理处理器按注册顺序执行；Close 幂等，并发调用只执行一次
type Dispose struct {
	name string

	currentLock   sync.Mutex
	closed        bool
	ctx           context.Context
	cancel        context.CancelFunc
	cleanHandlers []func() error
	linkLock      sync.Mutex
}

// NewDispose 创建命名的资源管理器
func NewDispose(name string, parent context.Context) *Dispose {
	d := &Dispose{name: name}
	d.SetCtx(parent)
	return d
}

// SetCtx 绑定父上下文；父上下文取消时自动触发清理
func (c *Dispose) SetCtx(parent context.Context) {
	c.currentLock.Lock()
	defer c.currentLock.Unlock()

	if c.ctx != nil {
		corelog.Warnf("Dispose[%s]: ctx already set", c.name)
		return
	}
	if parent == nil {
		parent = context.Background()
	}
	c.ctx, c.cancel = context.WithCancel(parent)

	go func() {
		<-c.ctx.Done()
		c.Close()
	}()
}

// Ctx 返回组件上下文
func (c *Dispose) Ctx() context.Context {
	c.currentLock.Lock()
	defer c.currentLock.Unlock()
	return c.ctx
}

// IsClosed 是否已关闭
func (c *Dispose) IsClosed() bool {
	c.currentLock.Lock()
	defer c.currentLock.Unlock()
	return c.closed
}

// AddCleanHandler 添加清理处理器
func (c *Dispose) AddCleanHandler(f func() error) {
	c.linkLock.Lock()
	defer c.linkLock.Unlock()
	c.cleanHandlers = append(c.cleanHandlers, f)
}

// Close 关闭并返回清理结果；幂等
func (c *Dispose) Close() *DisposeResult {
	c.currentLock.Lock()
	if c.closed {
		c.currentLock.Unlock()
		return &DisposeResult{}
	}
	c.closed = true
	cancel := c.cancel
	c.currentLock.Unlock()

	if cancel != nil {
		cancel()
	}
	return c.runCleanHandlers()
}

// CloseWithError 返回 error 形式的关闭结果
func (c *Dispose) CloseWithError() error {
	result := c.Close()
	if result.HasErrors() {
		return result.Errors[0].Err
	}
	return nil
}

func (c *Dispose) runCleanHandlers() *DisposeResult {
	c.linkLock.Lock()
	handlers := make([]func() error, len(c.cleanHandlers))
	copy(handlers, c.cleanHandlers)
	c.linkLock.Unlock()

	result := &DisposeResult{}
	for i, handler := range handlers {
		if err := handler(); err != nil {
			disposeErr := &DisposeError{HandlerIndex: i, ResourceName: c.name, Err: err}
			result.Errors = append(result.Errors, disposeErr)
			// 记录错误日志，但不中断其他清理过程
			corelog.Errorf("Dispose[%s]: cleanup handler[%d] failed: %v", c.name, i, err)
		}
	}
	return result
}
