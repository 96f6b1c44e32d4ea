package cfspider

import (
	"context"

	"cfspider-core/internal/browser"
	"cfspider-core/internal/transport"
)

// Browser 受传输描述符约束的自动化引擎
type Browser = browser.Browser

// Page 单个标签页的句柄
type Page = browser.Page

// BrowserConfig 引擎配置
type BrowserConfig = browser.Config

// DefaultBrowserConfig 返回默认引擎配置
func DefaultBrowserConfig() BrowserConfig {
	return browser.DefaultConfig()
}

// NewBrowser 按传输描述启动引擎
//
//	transportSpec 为空        → 直连
//	"127.0.0.1:9674" 等       → 本地代理
//	主机名 + credential       → 隧道端点
func NewBrowser(ctx context.Context, transportSpec, credential string, cfg BrowserConfig) (*Browser, error) {
	desc, err := transport.Parse(transportSpec, credential)
	if err != nil {
		return nil, err
	}
	return browser.New(ctx, desc, cfg)
}
