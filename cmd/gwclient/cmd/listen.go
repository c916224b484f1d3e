package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/gateway-client/pkg/config"
	"github.com/tsarna/gateway-client/pkg/dispatch"
	"github.com/tsarna/gateway-client/pkg/filter"
	"github.com/tsarna/gateway-client/pkg/gateway"
	"github.com/tsarna/gateway-client/pkg/o11y"
	"github.com/tsarna/gateway-client/pkg/o11y/otel"
	"github.com/tsarna/gateway-client/pkg/o11y/prom"
	"github.com/tsarna/gateway-client/pkg/schedule"
)

// Version is reported to OpenTelemetry as the instrumentation version.
var Version = "dev"

// listenCmd represents the listen command
var listenCmd = &cobra.Command{
	Use:   "listen [kind-patterns...]",
	Short: "Connect to the gateway and print events",
	Long: `Connect to the gateway and print every event matching the given patterns
as a tab separated kind and JSON payload.

Patterns are MQTT style: "dispatch/+" matches every dispatch event and
"gateway/#" every lifecycle event. With no patterns the config file's
subscribe list is used, or "#".

Examples:
  gwclient listen -c gwclient.hcl
  gwclient listen --url wss://gateway.example/?v=10 --token $TOKEN dispatch/MESSAGE_CREATE
  gwclient listen --jq '{kind: $kind, seq: .s}' "dispatch/+"`,
	RunE: runListen,
}

var jqQuery string

func init() {
	rootCmd.AddCommand(listenCmd)

	listenCmd.Flags().StringVar(&jqQuery, "jq", "", "jq query applied to each event before printing")
}

func runListen(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		cfg.Subscribe = args
	}
	if jqQuery != "" {
		cfg.Filter = jqQuery
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics, tracing, shutdownMetrics, err := setupMetrics(cfg.Metrics, logger)
	if err != nil {
		return err
	}
	defer shutdownMetrics()

	dispatcher, err := cfg.DispatcherBuilder().
		WithLogger(logger).
		WithMetrics(metrics).
		WithTracing(tracing).
		Build()
	if err != nil {
		return err
	}
	if err := dispatcher.Start(); err != nil {
		return err
	}
	defer dispatcher.Stop()

	var handler dispatch.Handler = newPrinter(cmd.OutOrStdout())
	if cfg.Filter != "" {
		f, err := filter.Compile(cfg.Filter, logger)
		if err != nil {
			return err
		}
		handler = f.Handler(handler)
	}
	for _, pattern := range cfg.Patterns() {
		if _, err := dispatcher.Subscribe(pattern, handler); err != nil {
			return err
		}
	}

	builder := gateway.NewSession().
		WithTransport(cfg.Transport(logger)).
		WithPublisher(dispatcher).
		WithLogger(logger).
		WithMetricsProvider(metrics).
		WithTracingProvider(tracing)
	if err := cfg.Configure(builder); err != nil {
		return err
	}
	session, err := builder.Build()
	if err != nil {
		return err
	}

	scheduler := schedule.New(session).WithLogger(logger).Build(nil)
	actions, err := cfg.ScheduledActions()
	if err != nil {
		return err
	}
	for _, action := range actions {
		if err := scheduler.Add(action); err != nil {
			return err
		}
	}

	logger.Info("Listening",
		zap.Strings("patterns", cfg.Patterns()),
		zap.String("jq", cfg.Filter),
		zap.Int("actions", len(actions)),
	)

	if err := session.Start(ctx); err != nil {
		return err
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	err = session.Wait(context.Background())
	if errors.Is(err, gateway.ErrShutdown) {
		logger.Info("Session stopped")
		return nil
	}
	return err
}

// setupMetrics creates the configured metrics backend. For Prometheus an
// HTTP server exposing /metrics is started when a listen address is set.
func setupMetrics(cfg *config.MetricsConfig, logger *zap.Logger) (o11y.MetricsProvider, o11y.TracingProvider, func(), error) {
	noop := func() {}
	if cfg == nil {
		return nil, nil, noop, nil
	}

	switch cfg.Provider {
	case "otel":
		provider := otel.NewProvider("gwclient", Version)
		return provider, provider, noop, nil

	case "prometheus":
		var opts []prom.Option
		if cfg.Namespace != "" {
			opts = append(opts, prom.WithNamespace(cfg.Namespace))
		}
		provider := prom.NewProvider(opts...)
		if cfg.Listen == "" {
			return provider, nil, noop, nil
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", provider.Handler())
		server := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.String("listen", cfg.Listen), zap.Error(err))
			}
		}()
		logger.Info("Serving metrics", zap.String("listen", cfg.Listen))

		shutdown := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(ctx)
		}
		return provider, nil, shutdown, nil
	}

	return nil, nil, noop, fmt.Errorf("unknown metrics provider %q", cfg.Provider)
}
