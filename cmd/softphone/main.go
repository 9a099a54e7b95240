package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kittykatchunks/365connect-sub001/pkg/siptransport"
	"github.com/kittykatchunks/365connect-sub001/pkg/softphone"
)

func main() {
	var (
		listenAddr  = flag.String("listen", "127.0.0.1:5060", "SIP listen address")
		protocol    = flag.String("protocol", "udp", "SIP transport: udp or tcp")
		user        = flag.String("user", "agent", "Local SIP user")
		displayName = flag.String("display-name", "", "Display name for outgoing calls")
		lines       = flag.Int("lines", softphone.DefaultLineCount, "Number of call lines")
		mediaHost   = flag.String("media-host", "127.0.0.1", "Media address advertised in SDP")
		mediaPort   = flag.Int("media-port", 5004, "Media port advertised in SDP")
		metricsAddr = flag.String("metrics-addr", "", "Prometheus metrics address (empty disables)")
		dialTarget  = flag.String("dial", "", "Dial target on startup (e.g. sip:bob@host)")
		logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
		sipDebug    = flag.Bool("sip-debug", false, "Dump SIP traffic")
	)
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	if *sipDebug {
		sip.SIPDebug = true
	}

	if err := run(logger, config{
		listenAddr:  *listenAddr,
		protocol:    *protocol,
		user:        *user,
		displayName: *displayName,
		lines:       *lines,
		mediaHost:   *mediaHost,
		mediaPort:   *mediaPort,
		metricsAddr: *metricsAddr,
		dialTarget:  *dialTarget,
	}); err != nil {
		logger.Error("fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type config struct {
	listenAddr  string
	protocol    string
	user        string
	displayName string
	lines       int
	mediaHost   string
	mediaPort   int
	metricsAddr string
	dialTarget  string
}

func run(logger *slog.Logger, cfg config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport, err := siptransport.New(siptransport.Config{
		ListenAddr:  cfg.listenAddr,
		Protocol:    cfg.protocol,
		User:        cfg.user,
		DisplayName: cfg.displayName,
		MediaHost:   cfg.mediaHost,
		MediaPort:   cfg.mediaPort,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	opts := []softphone.Option{
		softphone.WithLineCount(cfg.lines),
		softphone.WithLogger(logger),
	}

	var registry *prometheus.Registry
	if cfg.metricsAddr != "" {
		registry = prometheus.NewRegistry()
		opts = append(opts, softphone.WithMetrics(softphone.NewMetrics(registry)))
	}

	engine, err := softphone.New(transport, opts...)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	transport.SetEventHandler(engine)

	if registry != nil {
		go serveMetrics(ctx, logger, cfg.metricsAddr, registry)
	}

	events, unsubscribe := engine.Subscribe(256)
	defer unsubscribe()
	go logEvents(logger, events)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- transport.ListenAndServe(ctx)
	}()

	logger.Info("softphone started",
		slog.String("listen", cfg.listenAddr),
		slog.Int("lines", cfg.lines))

	if cfg.dialTarget != "" {
		sessionID, err := engine.Dial(cfg.dialTarget)
		if err != nil {
			logger.Error("startup dial failed",
				slog.String("target", cfg.dialTarget),
				slog.String("error", err.Error()))
		} else {
			logger.Info("dialing",
				slog.String("sessionID", sessionID),
				slog.String("target", cfg.dialTarget))
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("sip transport: %w", err)
		}
	}

	if err := engine.Close(); err != nil {
		logger.Error("engine close", slog.String("error", err.Error()))
	}
	return transport.Close()
}

func serveMetrics(ctx context.Context, logger *slog.Logger, addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server started", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server", slog.String("error", err.Error()))
	}
}

// logEvents выводит поток событий ядра в лог.
func logEvents(logger *slog.Logger, events <-chan softphone.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case softphone.SessionCreated:
			logger.Info("session created",
				slog.String("sessionID", e.Session.ID),
				slog.String("direction", e.Session.Direction.String()),
				slog.String("remote", e.Session.RemoteNumber),
				slog.Int("line", e.Session.Line))
		case softphone.SessionStateChanged:
			logger.Info("session state",
				slog.String("sessionID", e.Session.ID),
				slog.String("from", e.Previous.String()),
				slog.String("to", e.Session.State.String()))
		case softphone.LineSelected:
			logger.Info("line selected",
				slog.Int("line", e.Line),
				slog.Int("previous", e.Previous))
		case softphone.CallWaiting:
			logger.Info("call waiting",
				slog.Int("line", e.Line),
				slog.String("remote", e.Session.RemoteNumber))
		case softphone.AllLinesBusy:
			logger.Warn("all lines busy",
				slog.String("direction", e.Direction.String()),
				slog.String("target", e.Target))
		case softphone.TransferPhaseChanged:
			logger.Info("transfer phase",
				slog.String("originalID", e.Transfer.OriginalSessionID),
				slog.String("phase", e.Transfer.Phase))
		case softphone.OperationFailed:
			logger.Warn("operation failed",
				slog.String("op", e.Op),
				slog.String("sessionID", e.SessionID),
				slog.String("error", e.Err.Error()))
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
