package browser

import (
	"context"
	"os"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"cfspider-core/internal/core/dispose"
	coreerrors "cfspider-core/internal/core/errors"
	corelog "cfspider-core/internal/core/log"
	"cfspider-core/internal/transport"
)

// Config 引擎配置
type Config struct {
	Headless       bool
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	NavTimeout     time.Duration // 单次页面操作的超时
}

// DefaultConfig 返回默认引擎配置
func DefaultConfig() Config {
	return Config{
		Headless:       true,
		ViewportWidth:  1280,
		ViewportHeight: 800,
		NavTimeout:     60 * time.Second,
	}
}

// Browser 受传输描述符约束的自动化引擎实例
// 所有页面流量按描述符走直连、本地代理或隧道
type Browser struct {
	*dispose.Dispose

	cfg        Config
	engineT    *EngineTransport
	browserCtx context.Context
}

// New 启动引擎进程；失败时已占用的传输资源全部释放
func New(ctx context.Context, desc transport.Descriptor, cfg Config) (*Browser, error) {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = DefaultConfig().NavTimeout
	}
	if cfg.ViewportWidth <= 0 || cfg.ViewportHeight <= 0 {
		def := DefaultConfig()
		cfg.ViewportWidth, cfg.ViewportHeight = def.ViewportWidth, def.ViewportHeight
	}

	engineT, err := Apply(ctx, desc)
	if err != nil {
		return nil, err
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if engineT.ProxyURL() != "" {
		opts = append(opts, chromedp.ProxyServer(engineT.ProxyURL()))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			corelog.Debugf("Engine: "+format, args...)
		}),
	)

	b := &Browser{
		Dispose:    dispose.NewDispose("browser", ctx),
		cfg:        cfg,
		engineT:    engineT,
		browserCtx: browserCtx,
	}
	b.AddCleanHandler(func() error {
		browserCancel()
		allocCancel()
		return nil
	})
	b.AddCleanHandler(engineT.CloseWithError)

	// 预启动引擎进程，让失败在构造期暴露
	if err := chromedp.Run(browserCtx); err != nil {
		b.Close()
		return nil, coreerrors.Wrap(err, coreerrors.CodeEngineError, "failed to start automation engine")
	}

	corelog.Infof("Browser: engine started (headless=%v, proxy=%q)", cfg.Headless, engineT.ProxyURL())
	return b, nil
}

// run 在带超时的派生上下文中执行一组动作
func (b *Browser) run(actions ...chromedp.Action) error {
	if b.IsClosed() {
		return coreerrors.New(coreerrors.CodeSessionClosed, "browser is closed")
	}
	ctx, cancel := context.WithTimeout(b.browserCtx, b.cfg.NavTimeout)
	defer cancel()

	if err := chromedp.Run(ctx, actions...); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return coreerrors.Wrap(err, coreerrors.CodeTimeout, "page operation timed out")
		}
		return coreerrors.Wrap(err, coreerrors.CodeEngineError, "page operation failed")
	}
	return nil
}

// HTML 渲染页面并返回完整 HTML
func (b *Browser) HTML(url string) (string, error) {
	var html string
	err := b.run(
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

// Screenshot 渲染页面并截图（PNG），写入 path
func (b *Browser) Screenshot(url, path string, fullPage bool) error {
	var buf []byte
	capture := chromedp.Action(chromedp.CaptureScreenshot(&buf))
	if fullPage {
		capture = chromedp.FullScreenshot(&buf, 90)
	}

	if err := b.run(
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		capture,
	); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeInternal, "failed to write screenshot to %s", path)
	}
	return nil
}

// PDF 渲染页面并导出 PDF，写入 path
func (b *Browser) PDF(url, path string) error {
	var buf []byte
	if err := b.run(
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			if err != nil {
				return err
			}
			buf = data
			return nil
		}),
	); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeInternal, "failed to write PDF to %s", path)
	}
	return nil
}

// ExecuteScript 渲染页面后执行脚本，结果反序列化进 result（可为 nil）
func (b *Browser) ExecuteScript(url, script string, result interface{}) error {
	actions := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if result != nil {
		actions = append(actions, chromedp.Evaluate(script, result))
	} else {
		actions = append(actions, chromedp.Evaluate(script, nil))
	}
	return b.run(actions...)
}

// Get 在独立标签页中打开页面并返回页面句柄
// 句柄持有自己的标签页，关闭句柄不影响其他页面
func (b *Browser) Get(url string) (*Page, error) {
	if b.IsClosed() {
		return nil, coreerrors.New(coreerrors.CodeSessionClosed, "browser is closed")
	}

	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx)
	p := &Page{
		Dispose: dispose.NewDispose("page", b.Ctx()),
		browser: b,
		tabCtx:  tabCtx,
		url:     url,
	}
	p.AddCleanHandler(func() error {
		tabCancel()
		return nil
	})

	ctx, cancel := context.WithTimeout(tabCtx, b.cfg.NavTimeout)
	defer cancel()
	if err := chromedp.Run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		p.Close()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, coreerrors.Wrapf(err, coreerrors.CodeTimeout, "navigation to %s timed out", url)
		}
		return nil, coreerrors.Wrapf(err, coreerrors.CodeEngineError, "navigation to %s failed", url)
	}
	return p, nil
}

// Page 单个标签页的句柄
type Page struct {
	*dispose.Dispose
	browser *Browser
	tabCtx  context.Context
	url     string
}

// URL 页面的初始地址
func (p *Page) URL() string {
	return p.url
}

func (p *Page) run(actions ...chromedp.Action) error {
	if p.IsClosed() {
		return coreerrors.New(coreerrors.CodeSessionClosed, "page is closed")
	}
	ctx, cancel := context.WithTimeout(p.tabCtx, p.browser.cfg.NavTimeout)
	defer cancel()

	if err := chromedp.Run(ctx, actions...); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return coreerrors.Wrap(err, coreerrors.CodeTimeout, "page operation timed out")
		}
		return coreerrors.Wrap(err, coreerrors.CodeEngineError, "page operation failed")
	}
	return nil
}

// HTML 当前页面的完整 HTML
func (p *Page) HTML() (string, error) {
	var html string
	err := p.run(chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

// Evaluate 在页面上执行脚本
func (p *Page) Evaluate(script string, result interface{}) error {
	return p.run(chromedp.Evaluate(script, result))
}

// Screenshot 当前页面截图（PNG）
func (p *Page) Screenshot(fullPage bool) ([]byte, error) {
	var buf []byte
	capture := chromedp.Action(chromedp.CaptureScreenshot(&buf))
	if fullPage {
		capture = chromedp.FullScreenshot(&buf, 90)
	}
	if err := p.run(capture); err != nil {
		return nil, err
	}
	return buf, nil
}
