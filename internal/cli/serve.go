package cli

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/itsaakashpatel/svidserve/internal/config"
	"github.com/itsaakashpatel/svidserve/pkg/svidserve"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mTLS service",
	Long: `Run the mTLS service. While the identity agent has not yet produced
valid credential files the listening port stays closed; the service retries
on a fixed interval and binds as soon as a complete credential set loads.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
}

func runServe(cmd *cobra.Command, _ []string) error {
	// Best-effort: a local .env is a development convenience, its absence
	// is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	svc, err := svidserve.New(svidserve.Options{
		Addr:              cfg.ListenAddr,
		CertPath:          cfg.CertPath,
		KeyPath:           cfg.KeyPath,
		BundlePath:        cfg.BundlePath,
		Debounce:          cfg.Debounce,
		LoadTimeout:       cfg.LoadTimeout,
		BootstrapInterval: cfg.BootstrapInterval,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		Logger:            logger,
		Routes:            operationalRoutes(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting svidserve",
		"listen_addr", cfg.ListenAddr,
		"cert_path", cfg.CertPath,
		"key_path", cfg.KeyPath,
		"bundle_path", cfg.BundlePath,
	)
	return svc.Run(ctx)
}

// operationalRoutes is the built-in routing table. Embedders of
// pkg/svidserve supply their own; the standalone binary serves health and
// metrics only, both behind mTLS like everything else.
func operationalRoutes() []svidserve.Route {
	return []svidserve.Route{
		{
			Method:  http.MethodGet,
			Pattern: "/healthz",
			Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			}),
		},
		{
			Method:  http.MethodGet,
			Pattern: "/metrics",
			Handler: promhttp.Handler(),
		},
	}
}
