// cfspider 命令行入口
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	cfspider "cfspider-core"
	"cfspider-core/internal/config"
	coreerrors "cfspider-core/internal/core/errors"
	corelog "cfspider-core/internal/core/log"
	"cfspider-core/internal/relay"
)

// Version 构建时注入
var Version = "dev"

var (
	flagConfig string
	flagRelay  string
	flagLevel  string
)

func main() {
	root := &cobra.Command{
		Use:           "cfspider",
		Short:         "Fetch pages through edge relays and tunnels",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config file")
	root.PersistentFlags().StringVar(&flagRelay, "relay", "", "relay endpoint base address")
	root.PersistentFlags().StringVar(&flagLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(newFetchCmd())
	root.AddCommand(newScreenshotCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		color.Red("error: %v", err)
		if code := coreerrors.GetCode(err); code != coreerrors.CodeInternal {
			color.Yellow("code: %s", code)
		}
		os.Exit(1)
	}
}

// loadConfig 合并配置文件与全局旗标
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagRelay != "" {
		cfg.Relay = flagRelay
	}
	if flagLevel != "" {
		cfg.Log.Level = flagLevel
	}
	corelog.Init(&cfg.Log)
	return cfg, nil
}

func newFetchCmd() *cobra.Command {
	var (
		method  string
		headers []string
		params  []string
		timeout time.Duration
		direct  bool
	)

	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch a URL through the relay and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			opts := []cfspider.Option{}
			if !direct {
				if cfg.Relay == "" {
					return coreerrors.New(coreerrors.CodeConfigError,
						"relay address is required (set --relay, config, or use --direct)")
				}
				opts = append(opts, cfspider.WithRelay(cfg.Relay))
			}
			if cfg.Transport.Proxy != "" {
				opts = append(opts, cfspider.WithProxy(cfg.Transport.Proxy))
			}
			if timeout > 0 {
				opts = append(opts, cfspider.WithTimeout(timeout))
			}
			if kv, err := parsePairs(headers); err != nil {
				return err
			} else if len(kv) > 0 {
				opts = append(opts, cfspider.WithHeaders(kv))
			}
			for _, p := range params {
				k, v, err := splitPair(p)
				if err != nil {
					return err
				}
				opts = append(opts, cfspider.WithParam(k, v))
			}

			resp, err := cfspider.Do(cmd.Context(), relay.Method(strings.ToUpper(method)), args[0], opts...)
			if err != nil {
				return err
			}

			statusColor := color.New(color.FgGreen, color.Bold)
			if !resp.OK() {
				statusColor = color.New(color.FgRed, color.Bold)
			}
			statusColor.Fprintf(cmd.OutOrStdout(), "HTTP %d", resp.StatusCode)
			if resp.Colo != "" {
				color.New(color.FgCyan).Fprintf(cmd.OutOrStdout(), "  via %s", resp.Colo)
			}
			if resp.Ray != "" {
				color.New(color.Faint).Fprintf(cmd.OutOrStdout(), "  ray=%s", resp.Ray)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), resp.Text())
			return nil
		},
	}

	cmd.Flags().StringVarP(&method, "method", "X", "GET", "HTTP method")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "request header key=value (repeatable)")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "query parameter key=value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-call timeout")
	cmd.Flags().BoolVar(&direct, "direct", false, "bypass the relay and fetch directly")
	return cmd
}

func newScreenshotCmd() *cobra.Command {
	var (
		output   string
		fullPage bool
	)

	cmd := &cobra.Command{
		Use:   "screenshot <url>",
		Short: "Render a page and save a screenshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			bcfg := cfspider.DefaultBrowserConfig()
			bcfg.Headless = cfg.Browser.Headless
			bcfg.UserAgent = cfg.Browser.UserAgent
			if nav, err := cfg.NavTimeout(); err != nil {
				return err
			} else if nav > 0 {
				bcfg.NavTimeout = nav
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			spec, credential := "", ""
			switch {
			case cfg.Transport.Tunnel != "":
				spec, credential = cfg.Transport.Tunnel, cfg.Transport.Credential
			case cfg.Transport.Proxy != "":
				spec = cfg.Transport.Proxy
			}

			b, err := cfspider.NewBrowser(ctx, spec, credential, bcfg)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.Screenshot(args[0], output, fullPage); err != nil {
				return err
			}
			color.Green("saved %s", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "screenshot.png", "output file path")
	cmd.Flags().BoolVar(&fullPage, "full", false, "capture the full page height")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cfspider %s\n", Version)
		},
	}
}

func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, err := splitPair(p)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func splitPair(s string) (string, string, error) {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return "", "", coreerrors.Newf(coreerrors.CodeInvalidParam, "expected key=value, got %q", s)
	}
	return k, v, nil
}
