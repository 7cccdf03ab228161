// Command syncio-server runs a go-syncio server with a small set of demo
// remote functions. Configuration comes from a YAML file and flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-syncio/callcache"
	"github.com/cyberinferno/go-syncio/config"
	"github.com/cyberinferno/go-syncio/idgenerator"
	"github.com/cyberinferno/go-syncio/logger"
	"github.com/cyberinferno/go-syncio/metrics"
	"github.com/cyberinferno/go-syncio/packet"
	"github.com/cyberinferno/go-syncio/rpc"
	"github.com/cyberinferno/go-syncio/server"
	"github.com/cyberinferno/go-syncio/session"
	"github.com/cyberinferno/go-syncio/socket"
)

const serviceName = "syncio-server"

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to a YAML configuration file")
	ports := pflag.IntSliceP("port", "p", nil, "Port to listen on (repeatable; overrides server.ports)")
	logLevel := pflag.String("log-level", "", "Log level (overrides logging.level)")
	metricsAddr := pflag.String("metrics-addr", "", "Metrics listen address (overrides metrics.address)")
	pflag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if len(*ports) > 0 {
		cfg.Server.Ports = *ports
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *metricsAddr != "" {
		cfg.Metrics.Address = *metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", logger.Err(err))
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	if cfg.Format == "console" {
		return logger.NewConsole(serviceName, level), nil
	}
	return logger.New(os.Stdout, serviceName, level), nil
}

func newCallCache(cfg config.RPCCacheConfig) (callcache.Cache, func(), error) {
	switch cfg.Backend {
	case "memory":
		return callcache.NewMemory(cfg.DefaultTTL, cfg.CleanupInterval), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		return callcache.NewRedis(client, cfg.RedisNamespace), func() { _ = client.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, cfg.Metrics.Namespace)

	cache, closeCache, err := newCallCache(cfg.RPCCache)
	if err != nil {
		return err
	}
	defer closeCache()

	opts := []server.Option{
		server.WithLogger(log),
		server.WithMetrics(m),
		server.WithFamily(cfg.Server.FamilyValue()),
		server.WithMaxFrameSize(cfg.Server.MaxFrameSize),
		server.WithWriteTimeout(cfg.Server.WriteTimeout),
		server.WithUDPQueueSize(cfg.Server.UDPQueueSize),
		server.WithSocketOptions(
			socket.WithAcceptBackoff(cfg.Accept.BackoffInitial, cfg.Accept.BackoffMax),
			socket.WithUDPBufferSize(cfg.Server.UDPBufferSize),
		),
	}
	if cache != nil {
		opts = append(opts, server.WithCallCache(cache))
	}
	if cfg.Server.IDGenerator == "sequential" {
		opts = append(opts, server.WithIDGenerator(idgenerator.NewSequential(uint64(time.Now().Unix()), 1)))
	}

	srv := server.New(opts...)
	if err := registerDemo(srv, cfg.RPCCache.DefaultTTL); err != nil {
		return err
	}

	srv.OnClientConnect(func(_ *server.Server, s *session.Session) {
		log.Info("client connected",
			logger.F("client_id", s.ID().String()),
			logger.F("remote_addr", s.RemoteAddr().String()))
	})
	srv.SetPacketHandler(func(s *session.Session, p packet.Packet) {
		log.Debug("unhandled packet",
			logger.F("client_id", s.ID().String()),
			logger.F("packet_id", p.PacketID()))
	})

	for _, port := range cfg.Server.Ports {
		ss, err := srv.ListenTCP(port)
		if err != nil {
			_ = srv.CloseListeners()
			return err
		}
		log.Info("listening", logger.F("port", ss.Port()), logger.F("family", cfg.Server.Family))
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		httpServer := &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			log.Info("serving metrics", logger.F("addr", cfg.Metrics.Address))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		err := srv.CloseListeners()
		for _, s := range srv.Clients().Snapshot() {
			_ = s.Close()
		}
		return err
	})

	return g.Wait()
}

// registerDemo binds the remote functions shipped with the binary.
func registerDemo(srv *server.Server, cacheTTL time.Duration) error {
	if _, err := srv.RegisterRemoteFunction("echo", func(s string) string { return s }); err != nil {
		return err
	}

	if _, err := srv.RegisterRemoteFunction("add", func(a, b float64) float64 { return a + b },
		rpc.WithCacheTTL(cacheTTL)); err != nil {
		return err
	}

	if _, err := srv.RegisterRemoteFunction("upper", func(s string) string { return strings.ToUpper(s) },
		rpc.WithCacheTTL(cacheTTL)); err != nil {
		return err
	}

	_, err := srv.RegisterRemoteFunction("whoami", func(ctx context.Context) (string, error) {
		caller, ok := rpc.CallerFrom(ctx)
		if !ok {
			return "", errors.New("no caller")
		}
		return caller.ID().String(), nil
	})
	return err
}
