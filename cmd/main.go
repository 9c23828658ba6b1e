package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/myyaata/ksis"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default: search ./ksis.yaml, ~/.ksis/ksis.yaml, /etc/ksis/ksis.yaml)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")

		// Overrides for the most common settings
		addr          = flag.String("addr", "", "proxy listen address (default 127.0.0.1:8080)")
		blacklistPath = flag.String("blacklist", "", "path to blacklist INI file (default blacklist.conf)")
		opsAddr       = flag.String("ops-addr", "", "metrics/health listen address, \"off\" to disable")
		socks5        = flag.String("socks5", "", "parent SOCKS5 proxy URL")
		verbose       = flag.Bool("v", false, "verbose logging")

		printBlockPage = flag.Bool("print-block-page", false, "print default block page template and exit")
		genBlacklist   = flag.String("gen-blacklist", "", "write an example blacklist file at path and exit")
	)
	flag.Parse()

	if *printBlockPage {
		fmt.Print(ksis.DefaultBlockPageHTML)
		return
	}

	if *genConfig {
		if err := ksis.WriteExampleConfig("ksis.yaml"); err != nil {
			fmt.Fprintln(os.Stderr, "generate config:", err)
			os.Exit(1)
		}
		fmt.Println("Generated ksis.yaml")
		return
	}

	if *genBlacklist != "" {
		if err := os.WriteFile(*genBlacklist, []byte(ksis.ExampleBlacklist), 0644); err != nil {
			fmt.Fprintln(os.Stderr, "generate blacklist:", err)
			os.Exit(1)
		}
		fmt.Printf("Generated %s\n", *genBlacklist)
		return
	}

	cfg, err := ksis.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *blacklistPath != "" {
		cfg.Blacklist.Path = *blacklistPath
	}
	if *opsAddr == "off" {
		cfg.Ops.Addr = ""
	} else if *opsAddr != "" {
		cfg.Ops.Addr = *opsAddr
	}
	if *socks5 != "" {
		cfg.Upstream.SOCKS5 = *socks5
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}

	logger, closer, err := ksis.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "set up logging:", err)
		os.Exit(1)
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("proxy error", "error", err)
		_ = closer.Close()
		os.Exit(1)
	}
}

func run(cfg *ksis.Config, logger *slog.Logger) error {
	proxy, err := cfg.NewProxy(logger)
	if err != nil {
		return err
	}

	proxy.Metrics = ksis.NewMetrics()
	proxy.Metrics.SetBlacklistSize(proxy.Blacklist.Len())
	proxy.HealthChecker = ksis.NewHealthChecker()
	if cfg.Logging.AccessLog {
		proxy.AccessLog = ksis.NewAccessLogger(logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting proxy", "addr", cfg.Server.Addr, "backlog", cfg.Server.Backlog)
		err := proxy.ListenAndServe()
		if errors.Is(err, ksis.ErrProxyClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := proxy.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})

	if cfg.Ops.Addr != "" {
		ops := ksis.NewOpsServer(cfg.Ops.Addr, proxy)
		ops.Logger = logger
		if cfg.Ops.Compress {
			cc := ksis.DefaultCompressionConfig()
			ops.Compression = &cc
		}
		g.Go(func() error {
			return ops.ListenAndServe(ctx)
		})
	}

	start := time.Now()
	err = g.Wait()
	logger.Info("stopped", "uptime", time.Since(start).Truncate(time.Second), "connections", proxy.Stats().Total)
	return err
}
