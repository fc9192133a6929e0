package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sharebucket/internal/config"
	"sharebucket/pkg/auth"
	"sharebucket/pkg/core"
	"sharebucket/pkg/credentials"
	"sharebucket/pkg/graph"
	"sharebucket/pkg/metrics"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// buildAuthenticator combines every configured credential kind into one
// engine. It returns nil when none is configured.
func buildAuthenticator(cfg config.AuthConfig) auth.AuthEngine {
	if !cfg.Enabled() {
		return nil
	}

	var engines []auth.AuthEngine
	for _, key := range cfg.AccessKeys {
		engines = append(engines, auth.NewAwsHmacAuthEngine(key.AccessKey, key.SecretKey))
	}
	if len(cfg.BearerTokens) > 0 {
		engines = append(engines, auth.NewBearerAuthEngine(cfg.BearerTokens...))
	}
	if cfg.BasicUser != "" {
		engines = append(engines, auth.NewBasicAuthEngine(cfg.BasicUser, cfg.BasicPassword))
	}

	return auth.NewCompoundAuthEngine(engines...)
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       20 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
}

func Run(ctx context.Context) error {

	configPath := flag.String("config", "", "path to the YAML config file")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn or error (overrides config)")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Address = *listen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    level == log.DebugLevel,
	})

	slog.SetDefault(slog.New(handler))

	margin, err := cfg.TokenExpiryMargin()
	if err != nil {
		return err
	}

	m := metrics.New()
	m.Registry().MustRegister(collectors.NewBuildInfoCollector())

	broker, err := credentials.NewBroker(credentials.Config{
		IdentityBaseURL: cfg.Graph.IdentityBaseURL,
		TenantID:        cfg.Graph.TenantID,
		ClientID:        cfg.Graph.ClientID,
		ClientSecret:    cfg.Graph.ClientSecret,
		Resource:        cfg.Graph.Resource,
	}, credentials.WithExpiryMargin(margin), credentials.WithObserver(m))
	if err != nil {
		return fmt.Errorf("failed to create token broker: %w", err)
	}

	clientOpts := []graph.Option{graph.WithObserver(m)}
	if cfg.Graph.GraphBaseURL != "" {
		clientOpts = append(clientOpts, graph.WithBaseURL(cfg.Graph.GraphBaseURL))
	}
	catalog := graph.NewClient(broker, clientOpts...)

	filter, err := core.NewNameFilter(cfg.FilenamePattern)
	if err != nil {
		return fmt.Errorf("invalid filename pattern: %w", err)
	}

	networks, err := auth.NewNetworkAllowlist(cfg.Auth.AllowedNetworks...)
	if err != nil {
		return fmt.Errorf("invalid allowed networks: %w", err)
	}

	opts := []core.ConfigOption{
		core.WithCatalog(catalog),
		core.WithNameFilter(filter),
		core.WithNetworkAllowlist(networks),
		core.WithRegion(cfg.Region),
		core.WithContainer(cfg.Graph.ContainerID, cfg.Graph.Bucket),
		core.WithMetrics(m),
	}
	if authenticator := buildAuthenticator(cfg.Auth); authenticator != nil {
		opts = append(opts, core.WithAuthEngine(authenticator))
	} else {
		slog.Warn("No credentials configured, the gateway is open to every allowed network")
	}

	server, err := core.NewServer(core.NewConfig(opts...))
	if err != nil {
		return fmt.Errorf("failed to create sharebucket server: %w", err)
	}

	router := server.Handler()

	httpServer := newHTTPServer(cfg.Address, router)

	httpsServer := newHTTPServer(cfg.HTTPSAddress, router)
	httpsServer.TLSConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	metricsServer := newHTTPServer(cfg.MetricsAddress, m.Handler())

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(
			httpServer.Shutdown(shutdownCtx),
			httpsServer.Shutdown(shutdownCtx),
			metricsServer.Shutdown(shutdownCtx),
		)
	})

	eg.Go(func() error {
		if cfg.HTTPSAddress == "" || cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
			slog.Debug("Skipping HTTPS service because no certificate was provided")
			return nil
		}

		slog.Info("Starting sharebucket HTTPS server", "addr", cfg.HTTPSAddress)
		err := httpsServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		if cfg.MetricsAddress == "" {
			slog.Debug("Skipping metrics service because no address was provided")
			return nil
		}

		slog.Info("Starting metrics server", "addr", cfg.MetricsAddress)
		err := metricsServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		slog.Info("Starting sharebucket HTTP server", "addr", cfg.Address)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("sharebucket started", "region", cfg.Region, "container", cfg.Graph.ContainerID, "bucket", cfg.Graph.Bucket)
	return eg.Wait()

}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("sharebucket exited with error", "error", err)
		os.Exit(1)
	}
}
