package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/odvcencio/browserlink/pkg/config"
	"github.com/odvcencio/browserlink/pkg/coordinator"
	"github.com/odvcencio/browserlink/pkg/logging"
	"github.com/odvcencio/browserlink/pkg/paths"
	"github.com/odvcencio/browserlink/pkg/telemetry"
)

type commonOptions struct {
	URL        string
	ConfigPath string
	Token      string
	Store      string
	LogLevel   string
	LogFormat  string
}

type attachOptions struct {
	commonOptions
	Anonymous   bool
	MetricsAddr string
	Trace       bool
}

func (o *commonOptions) register(fs *flag.FlagSet) {
	fs.StringVar(&o.URL, "url", "", "remote host base URL")
	fs.StringVar(&o.ConfigPath, "config", "", "config file path")
	fs.StringVar(&o.Token, "token", "", "static credential")
	fs.StringVar(&o.Store, "store", "", "credential store (file, sqlite, memory)")
	fs.StringVar(&o.LogLevel, "log-level", "", "log level")
	fs.StringVar(&o.LogFormat, "log-format", "", "log format (text, json)")
}

func parseAttachFlags(args []string, stderr io.Writer) (*attachOptions, error) {
	opts := &attachOptions{}
	fs := flag.NewFlagSet("attach", flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts.register(fs)
	fs.BoolVar(&opts.Anonymous, "anonymous", false, "connect without a credential when none can be obtained")
	fs.StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	fs.BoolVar(&opts.Trace, "trace", false, "print spans to stderr")
	if err := fs.Parse(args); err != nil {
		return nil, withExitCode(err, exitUsage)
	}
	if fs.NArg() > 0 {
		return nil, withExitCode(fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " ")), exitUsage)
	}
	return opts, nil
}

// loadConfig layers flags over the config hierarchy and validates the result.
func loadConfig(opts commonOptions) (*config.Config, error) {
	cfg, err := config.LoadUnvalidated(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.URL != "" {
		cfg.Remote.BaseURL = opts.URL
	}
	if opts.Token != "" {
		cfg.Auth.StaticToken = opts.Token
	}
	if opts.Store != "" {
		cfg.Auth.Store = strings.ToLower(opts.Store)
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}
	if cfg.Log.Dir == "" {
		cfg.Log.Dir = paths.LogsDir()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, sessionID string, stderr io.Writer) (*logging.Logger, error) {
	return logging.New("browserlink", logging.Options{
		Level:     logging.ParseLevel(cfg.Log.Level),
		Format:    logging.Format(strings.ToLower(cfg.Log.Format)),
		Writer:    stderr,
		Dir:       paths.ExpandHome(cfg.Log.Dir),
		SessionID: sessionID,
	})
}

func runAttach(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	opts, err := parseAttachFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts.commonOptions)
	if err != nil {
		return err
	}
	if opts.Anonymous {
		cfg.Auth.Required = false
	}
	if opts.MetricsAddr != "" {
		cfg.Telemetry.MetricsAddr = opts.MetricsAddr
	}
	if opts.Trace {
		cfg.Telemetry.Tracing = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID := ulid.Make().String()
	logger, err := newLogger(cfg, sessionID, stderr)
	if err != nil {
		return err
	}
	defer logger.Close()

	if cfg.Telemetry.Tracing {
		tp, err := telemetry.NewTracerProvider("browserlink", version, stderr)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(registry)
	if cfg.Telemetry.MetricsAddr != "" {
		shutdown, err := serveMetrics(cfg.Telemetry.MetricsAddr, metrics, logger.Logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	coord, err := coordinator.NewFromConfig(cfg, coordinator.Deps{
		Logger:    logger.Logger,
		Metrics:   metrics,
		SessionID: sessionID,
	})
	if err != nil {
		return err
	}
	defer coord.Close()

	session := coord.Session()
	events, unsubscribe := session.Subscribe()
	defer unsubscribe()
	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		for ev := range events {
			if line := formatEvent(ev); line != "" {
				fmt.Fprintln(stdout, line)
			}
		}
	}()

	fmt.Fprintf(stdout, "attaching to %s (session %s); type help for commands\n", cfg.Remote.BaseURL, session.ID())
	if err := coord.Start(ctx); err != nil {
		return err
	}

	con := &console{session: session, state: coord.State, out: stdout}
	err = con.run(ctx, stdin)
	closeErr := coord.Close()
	<-printerDone
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return closeErr
}

func serveMetrics(addr string, metrics *telemetry.Metrics, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
