// Command glassd is the route-collector process: it loads config, wires
// the BGP and BMP collectors to a shared store, serves prometheus
// metrics, and runs the interner sweep loop, then waits for a shutdown
// signal. It owns every ambient concern (config loading, logging setup,
// metrics registration, signal handling) that the core packages
// deliberately stay agnostic of.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wobcom/fernglas/internal/bgpcollector"
	"github.com/wobcom/fernglas/internal/bmpcollector"
	"github.com/wobcom/fernglas/internal/config"
	"github.com/wobcom/fernglas/internal/metrics"
	"github.com/wobcom/fernglas/internal/store"
)

func main() {
	configPath, logLevelOverride := parseFlags(os.Args[1:])

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting glassd",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("bgp_bind", cfg.BGP.Bind),
		zap.String("bmp_bind", cfg.BMP.Bind),
	)

	st := store.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	if cfg.BGP.Bind != "" {
		bgpCfg, err := buildBGPConfig(cfg.BGP)
		if err != nil {
			logger.Fatal("invalid bgp config", zap.Error(err))
		}
		bgpColl := bgpcollector.New(bgpCfg, st, logger.Named("bgpcollector"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bgpColl.Run(ctx); err != nil {
				logger.Error("bgp collector stopped", zap.Error(err))
			}
		}()
	}

	if cfg.BMP.Bind != "" {
		bmpCfg := buildBMPConfig(cfg.BMP)
		bmpColl := bmpcollector.New(bmpCfg, st, logger.Named("bmpcollector"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bmpColl.Run(ctx); err != nil {
				logger.Error("bmp collector stopped", zap.Error(err))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runInternerSweep(ctx, st, cfg.InternerSweepInterval(), logger.Named("interner"))
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.Service.MetricsListen, Handler: mux}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("glassd started", zap.String("metrics_listen", cfg.Service.MetricsListen))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all collectors stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("glassd stopped")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func buildBGPConfig(c config.BGPConfig) (bgpcollector.Config, error) {
	peers := make(map[netip.Addr]bgpcollector.PeerConfig, len(c.Peers))
	for addr, p := range c.Peers {
		ip, err := netip.ParseAddr(addr)
		if err != nil {
			return bgpcollector.Config{}, fmt.Errorf("bgp peer %q: %w", addr, err)
		}
		peerCfg, err := toBGPPeerConfig(p)
		if err != nil {
			return bgpcollector.Config{}, fmt.Errorf("bgp peer %q: %w", addr, err)
		}
		peers[ip] = peerCfg
	}

	var def *bgpcollector.PeerConfig
	if c.DefaultPeer != nil {
		d, err := toBGPPeerConfig(*c.DefaultPeer)
		if err != nil {
			return bgpcollector.Config{}, fmt.Errorf("bgp default_peer: %w", err)
		}
		def = &d
	}

	return bgpcollector.Config{
		Bind:     c.Bind,
		Peers:    peers,
		Default:  def,
		HoldTime: uint16(c.HoldTimeSecs),
	}, nil
}

func toBGPPeerConfig(p config.BGPPeer) (bgpcollector.PeerConfig, error) {
	var routerID netip.Addr
	if p.RouterID != "" {
		id, err := netip.ParseAddr(p.RouterID)
		if err != nil {
			return bgpcollector.PeerConfig{}, err
		}
		routerID = id
	}
	return bgpcollector.PeerConfig{
		ASN:          p.ASN,
		RouterID:     routerID,
		NameOverride: p.NameOverride,
	}, nil
}

func buildBMPConfig(c config.BMPConfig) bmpcollector.Config {
	peers := make(map[netip.Addr]bmpcollector.PeerConfig, len(c.Peers))
	for addr, p := range c.Peers {
		ip, err := netip.ParseAddr(addr)
		if err != nil {
			continue // already validated by config.Validate
		}
		peers[ip] = bmpcollector.PeerConfig{NameOverride: p.NameOverride}
	}
	var def *bmpcollector.PeerConfig
	if c.DefaultPeer != nil {
		def = &bmpcollector.PeerConfig{NameOverride: c.DefaultPeer.NameOverride}
	}
	return bmpcollector.Config{Bind: c.Bind, Peers: peers, Default: def}
}

func runInternerSweep(ctx context.Context, st *store.Store, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			removed := st.Interner().RemoveExpired()
			metrics.InternerSweepDuration.Observe(time.Since(start).Seconds())
			if removed > 0 {
				logger.Debug("interner sweep removed expired entries", zap.Int("removed", removed))
			}
		}
	}
}
