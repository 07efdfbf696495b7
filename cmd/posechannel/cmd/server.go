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

	"github.com/tsarna/posechannel/pkg/posechannel/config"
	"github.com/tsarna/posechannel/pkg/posechannel/prometheus"
	"github.com/tsarna/posechannel/pkg/posechannel/websockets/server"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the reference pose server",
	Long: `Run a pose server that accepts pose channel connections and logs every
pose_update it receives.

The WebSocket channel is served on /socket.io/ and a JSON status summary on
/api/status, matching the paths a development proxy forwards.

Examples:
  posechannel server
  posechannel server --listen :5000 --auth-secret "$POSECHANNEL_SECRET"
  posechannel server --config posechannel.hcl`,
	Args: cobra.NoArgs,
	RunE: runServer,
}

var (
	serverListen          string
	serverAuthSecret      string
	serverMetricsPath     string
	serverMaxRate         float64
	serverShutdownTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().StringVar(&serverListen, "listen", "", "listen address (default :5000)")
	serverCmd.Flags().StringVar(&serverAuthSecret, "auth-secret", "", "require HS256 bearer tokens signed with this secret")
	serverCmd.Flags().StringVar(&serverMetricsPath, "metrics-path", "", "serve Prometheus metrics on this path, e.g. /metrics")
	serverCmd.Flags().Float64Var(&serverMaxRate, "max-rate", 0, "maximum pose updates per second per connection (0 for unlimited)")
	serverCmd.Flags().DurationVar(&serverShutdownTimeout, "shutdown-timeout", 10*time.Second, "time allowed for connections to close on shutdown")
}

func runServer(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	serverCfg := mergeServerFlags(cmd, cfg.Server)

	metrics := prometheus.NewProvider(nil)

	listenerConfig := server.NewListenerConfig().
		WithHandler(server.NewLoggingHandler(logger, zap.InfoLevel)).
		WithLogger(logger).
		WithMetricsProvider(metrics)
	if err := serverCfg.Apply(listenerConfig); err != nil {
		return err
	}

	listener, err := listenerConfig.Build()
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", listener.Handler())
	if serverCfg.MetricsPath != "" {
		mux.Handle(serverCfg.MetricsPath, metrics.Handler())
	}

	httpServer := &http.Server{
		Addr:              serverCfg.ListenAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting pose server",
			zap.String("addr", httpServer.Addr),
			zap.String("version", Version),
			zap.Bool("auth", serverCfg.AuthSecret != ""),
			zap.String("metrics_path", serverCfg.MetricsPath),
		)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("pose server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down pose server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by http.Server, so the
	// listener closes them first.
	if err := listener.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Pose connections did not close in time", zap.Error(err))
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}

	logger.Info("Pose server stopped")
	return nil
}

// mergeServerFlags overlays flags set on the command line onto the server
// section of the configuration file.
func mergeServerFlags(cmd *cobra.Command, fromFile *config.ServerConfig) *config.ServerConfig {
	var merged config.ServerConfig
	if fromFile != nil {
		merged = *fromFile
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		merged.Listen = serverListen
	}
	if flags.Changed("auth-secret") {
		merged.AuthSecret = serverAuthSecret
	}
	if flags.Changed("metrics-path") {
		merged.MetricsPath = serverMetricsPath
	}
	if flags.Changed("max-rate") {
		merged.MaxRate = serverMaxRate
	}

	return &merged
}
