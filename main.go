package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/config"
	"github.com/die-net/wiretap/internal/controlapi"
	"github.com/die-net/wiretap/internal/core"
	"github.com/die-net/wiretap/internal/metrics"
	"github.com/die-net/wiretap/internal/tproxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = pflag.String("config", "", "YAML configuration file. Empty runs a single proxy from the flags below.")

		proxyType   = pflag.String("type", config.TypeTCP, "Proxy type without --config: tcp | udp | http")
		listen      = pflag.String("listen", "", "Listen address without --config (e.g. 127.0.0.1:8080)")
		target      = pflag.String("target", "", "Target address without --config (e.g. example.com:80)")
		upstream    = pflag.String("upstream", defaultUpstream(), "Upstream for server sockets without --config: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")
		transparent = pflag.Bool("transparent", false, "Accept redirected connections and dial their original destination")
		pduLog      = pflag.String("pdu-log", "", "Log PDUs to <prefix>.c2s.log and <prefix>.s2c.log without --config. Empty disables.")

		controlListen = pflag.String("control-listen", "", "Control API listen address (e.g. 127.0.0.1:9000). Overrides the config file. Empty disables.")
		debugListen   = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Overrides the config file. Empty disables.")
		tcpKeepAlive  = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		stopTimeout   = pflag.Duration("stop-timeout", 10*time.Second, "Time allowed for connections to drain on shutdown")
		verbose       = pflag.Bool("verbose", false, "Enable debug logging, including per-connection errors")
	)

	if !tproxy.IsSupported {
		_ = pflag.CommandLine.MarkHidden("transparent")
	}

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	logger := slog.Make(sloghuman.Sink(os.Stderr))
	if *verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return xerrors.Errorf("invalid --tcp-keepalive: %w", err)
	}

	var cfg *config.Config
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	} else {
		cfg, err = quickConfig(*proxyType, *listen, *target, *upstream, *transparent, *pduLog)
		if err != nil {
			return err
		}
	}
	if *controlListen != "" {
		cfg.Control.Listen = *controlListen
	}
	if *debugListen != "" {
		cfg.Debug.Listen = *debugListen
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c, err := core.New(core.Options{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics.New(reg),
		KeepAlive: ka,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Prepare(ctx); err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Debug.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/debug/", http.DefaultServeMux)
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := serve(gctx, g, logger, "debug", cfg.Debug.Listen, mux, ka); err != nil {
			_ = c.Stop(context.Background())
			return err
		}
	}

	if cfg.Control.Listen != "" {
		api := controlapi.New(controlapi.Options{Logger: logger, Proxies: c.Proxies(), Dispatcher: c.Dispatcher(), Catcher: c.Catcher()})
		if err := serve(gctx, g, logger, "control", cfg.Control.Listen, api.Routes(), ka); err != nil {
			_ = c.Stop(context.Background())
			return err
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info(context.Background(), "shutting down")
		stopCtx, cancel := context.WithTimeout(context.Background(), *stopTimeout)
		defer cancel()
		return c.Stop(stopCtx)
	})

	err = g.Wait()
	if xerrors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

// quickConfig builds a one-proxy configuration from flags.
func quickConfig(typ, listen, target, upstream string, transparent bool, pduLog string) (*config.Config, error) {
	if listen == "" {
		return nil, xerrors.New("no proxy configured (set --config, or --listen and --target)")
	}
	cfg := &config.Config{Proxies: []config.Proxy{{
		Code:        typ,
		Type:        typ,
		Listen:      listen,
		Target:      target,
		Upstream:    upstream,
		Transparent: transparent,
	}}}
	if pduLog != "" {
		for suffix, chain := range map[string]*[]config.Interceptor{
			"c2s": &cfg.Interceptors.ClientToServer,
			"s2c": &cfg.Interceptors.ServerToClient,
		} {
			ic := config.Interceptor{Code: "log", Type: config.TypeLogger}
			if err := ic.Settings.Encode(map[string]string{"path": pduLog + "." + suffix + ".log"}); err != nil {
				return nil, xerrors.Errorf("pdu log settings: %w", err)
			}
			*chain = append(*chain, ic)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, g *errgroup.Group, logger slog.Logger, name, addr string, h http.Handler, ka net.KeepAliveConfig) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	lc := net.ListenConfig{KeepAliveConfig: ka}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return xerrors.Errorf("%s listen: %w", name, err)
	}
	context.AfterFunc(ctx, func() {
		_ = srv.Close()
		_ = ln.Close()
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return xerrors.Errorf("%s serve: %w", name, err)
		}
		return nil
	})
	logger.Info(ctx, "listening", slog.F("server", name), slog.F("addr", ln.Addr().String()))
	return nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, xerrors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, xerrors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, xerrors.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, xerrors.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, xerrors.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, xerrors.New("must be > 0")
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, xerrors.New("must be > 0")
	}
	return n, nil
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}
