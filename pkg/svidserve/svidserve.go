// Package svidserve keeps a service's mutual-TLS identity continuously
// valid. It loads the rotating X.509 credentials a workload-identity agent
// writes to disk, serves the embedding application's routes over an
// mTLS-only listener, and swaps the TLS material in place whenever the agent
// rotates the files, with no manual restart.
package svidserve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/itsaakashpatel/svidserve/internal/credstore"
	"github.com/itsaakashpatel/svidserve/internal/rotation"
	"github.com/itsaakashpatel/svidserve/internal/server"
	"github.com/itsaakashpatel/svidserve/internal/shutdown"
)

// Route is one entry of the embedding application's routing table. Routes
// are registered verbatim on the underlying router, in order, and are never
// interpreted by this package.
type Route struct {
	Method  string
	Pattern string
	Handler http.Handler
}

// Options configures a Service.
type Options struct {
	// Addr is the listening address. Empty means ":3000".
	Addr string

	// CertPath, KeyPath and BundlePath locate the agent's output files.
	// Empty fields fall back to the SVID_*_PATH environment variables and
	// then to the SPIRE agent defaults under /run/spire/x509svid.
	CertPath   string
	KeyPath    string
	BundlePath string

	// Routes is the application's routing table.
	Routes []Route

	// Debounce is the rotation coalescing window. Zero means the watcher
	// default.
	Debounce time.Duration

	// LoadTimeout bounds each credential load. Zero means the manager
	// default.
	LoadTimeout time.Duration

	// BootstrapInterval is the retry delay while the agent has not yet
	// produced a loadable credential set. Zero means 5s.
	BootstrapInterval time.Duration

	// ShutdownTimeout is the force timeout for teardown. Zero means the
	// coordinator default.
	ShutdownTimeout time.Duration

	// Logger for all components. Nil means slog.Default().
	Logger *slog.Logger
}

// Service wires the credential loader, the rotation watcher and the listener
// lifecycle manager together.
type Service struct {
	paths             credstore.Paths
	manager           *server.Manager
	debounce          time.Duration
	bootstrapInterval time.Duration
	shutdownTimeout   time.Duration
	logger            *slog.Logger
}

// New builds a Service. Nothing is loaded or bound until Run.
func New(opts Options) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BootstrapInterval <= 0 {
		opts.BootstrapInterval = 5 * time.Second
	}

	paths := credstore.PathsFromEnvironment()
	if opts.CertPath != "" {
		paths.Cert = opts.CertPath
	}
	if opts.KeyPath != "" {
		paths.Key = opts.KeyPath
	}
	if opts.BundlePath != "" {
		paths.Bundle = opts.BundlePath
	}

	routes := make([]server.Route, len(opts.Routes))
	for i, r := range opts.Routes {
		routes[i] = server.Route{Method: r.Method, Pattern: r.Pattern, Handler: r.Handler}
	}

	manager, err := server.New(server.Options{
		Addr:        opts.Addr,
		Paths:       paths,
		Routes:      routes,
		Logger:      opts.Logger,
		LoadTimeout: opts.LoadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("building lifecycle manager: %w", err)
	}

	return &Service{
		paths:             paths,
		manager:           manager,
		debounce:          opts.Debounce,
		bootstrapInterval: opts.BootstrapInterval,
		shutdownTimeout:   opts.ShutdownTimeout,
		logger:            opts.Logger,
	}, nil
}

// Addr returns the active listener's address, or "" when none is bound.
func (s *Service) Addr() string {
	return s.manager.Addr()
}

// Run starts the rotation watcher, performs the bootstrap load (retrying
// while the agent has not yet written valid files), serves until the context
// is cancelled and then tears everything down. While no valid credentials
// exist the listening port simply stays closed; failing external health
// checks are the intended operator signal that identity provisioning has not
// completed.
func (s *Service) Run(ctx context.Context) error {
	// The watcher starts before the first load so that first-time creation
	// of the credential files is never missed.
	watcher, err := rotation.New(s.paths, func() {
		// Errors are already logged and metered by the manager; the next
		// rotation signal is the retry.
		_ = s.manager.Restart()
	}, rotation.Options{Debounce: s.debounce, Logger: s.logger})
	if err != nil {
		return fmt.Errorf("starting rotation watcher: %w", err)
	}

	coordinator := shutdown.NewCoordinator(s.shutdownTimeout, s.logger)
	coordinator.Register("listener", s.manager.Close)
	coordinator.Register("rotation watcher", func(context.Context) error {
		return watcher.Close()
	})

	if err := s.bootstrap(ctx); err != nil {
		shutdownErr := coordinator.Shutdown(context.Background())
		return errors.Join(err, shutdownErr)
	}

	<-ctx.Done()
	return coordinator.Shutdown(context.Background())
}

// bootstrap performs the initial load-and-bind, retrying load failures on a
// fixed interval until the identity agent produces valid files. Bind
// failures are not retried here: a port that cannot be bound at startup is
// an operator problem, not a provisioning delay.
func (s *Service) bootstrap(ctx context.Context) error {
	ticker := time.NewTicker(s.bootstrapInterval)
	defer ticker.Stop()

	for {
		err := s.manager.Start(ctx)
		if err == nil {
			return nil
		}

		var loadErr *credstore.LoadError
		if !errors.As(err, &loadErr) {
			return err
		}
		s.logger.Info("credentials not ready, waiting for identity agent",
			"error", err,
			"retry_in", s.bootstrapInterval,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
