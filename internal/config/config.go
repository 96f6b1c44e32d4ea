// Package config 客户端配置文件的加载与校验
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	coreerrors "cfspider-core/internal/core/errors"
	corelog "cfspider-core/internal/core/log"
	"cfspider-core/internal/transport"
)

// Config 客户端配置
type Config struct {
	// 中继端点基地址，例如 "https://relay.example.workers.dev"
	Relay string `yaml:"relay"`

	// 传输配置：本地代理或隧道端点，两者互斥
	Transport struct {
		// 本地代理，例如 "127.0.0.1:9674" 或 "socks5://127.0.0.1:1080"
		Proxy string `yaml:"proxy,omitempty"`
		// 隧道端点主机名
		Tunnel string `yaml:"tunnel,omitempty"`
		// 隧道凭证（UUID）
		Credential string `yaml:"credential,omitempty"`
	} `yaml:"transport"`

	// 引擎配置
	Browser struct {
		Headless  bool   `yaml:"headless"`
		UserAgent string `yaml:"user_agent,omitempty"`
		// 单次页面操作超时，time.ParseDuration 语法，例如 "90s"
		NavTimeout string `yaml:"nav_timeout,omitempty"`
	} `yaml:"browser"`

	// 日志配置
	Log corelog.Config `yaml:"log"`
}

// Default 返回默认配置
func Default() *Config {
	cfg := &Config{}
	cfg.Browser.Headless = true
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load 从文件加载配置；path 为空时返回默认配置
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeConfigError, "failed to read config file %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeConfigError, "failed to parse config file %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置的一致性
func (c *Config) Validate() error {
	if c.Transport.Proxy != "" && c.Transport.Tunnel != "" {
		return coreerrors.New(coreerrors.CodeConfigError, "transport.proxy and transport.tunnel are mutually exclusive")
	}
	if c.Transport.Credential != "" && c.Transport.Tunnel == "" {
		return coreerrors.New(coreerrors.CodeConfigError, "transport.credential requires transport.tunnel")
	}
	if _, err := c.NavTimeout(); err != nil {
		return err
	}
	// 描述符的细粒度校验（端口范围、凭证格式）在解析期进行
	if _, err := c.Descriptor(); err != nil {
		return err
	}
	return nil
}

// NavTimeout 解析引擎操作超时；未设置时返回零值，由引擎层套默认值
func (c *Config) NavTimeout() (time.Duration, error) {
	if c.Browser.NavTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Browser.NavTimeout)
	if err != nil {
		return 0, coreerrors.Wrapf(err, coreerrors.CodeConfigError,
			"invalid browser.nav_timeout %q", c.Browser.NavTimeout)
	}
	return d, nil
}

// Descriptor 把传输配置解析为描述符
func (c *Config) Descriptor() (transport.Descriptor, error) {
	if c.Transport.Proxy != "" {
		return transport.Parse(c.Transport.Proxy, "")
	}
	if c.Transport.Tunnel != "" {
		return transport.Parse(c.Transport.Tunnel, c.Transport.Credential)
	}
	return transport.Descriptor{Kind: transport.KindNone}, nil
}
