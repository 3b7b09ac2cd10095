// Package server owns the mTLS listening socket and its lifecycle. A restart
// re-pulls credentials from disk and swaps the active listener as a single
// unit; a restart that fails to load or bind leaves the previous listener
// untouched, so the service is never left without a socket by this package.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/itsaakashpatel/svidserve/internal/credstore"
)

const (
	// DefaultListenAddr is the reference deployment's listening address.
	DefaultListenAddr = ":3000"
	// DefaultLoadTimeout bounds the credential file reads during a restart
	// so a stuck mount cannot stall the manager indefinitely.
	DefaultLoadTimeout = 5 * time.Second
)

// Route is one entry of the embedding application's routing table. The
// manager registers routes verbatim on the underlying router and does not
// interpret them.
type Route struct {
	Method  string
	Pattern string
	Handler http.Handler
}

// Loader loads credentials from the given paths. It exists so tests can
// substitute the file-backed loader; production use is credstore.Load.
type Loader func(ctx context.Context, paths credstore.Paths) (*credstore.Credentials, error)

// Options configures a Manager.
type Options struct {
	// Addr is the listening address. Empty means DefaultListenAddr.
	Addr string
	// Paths locate the credential files reloaded on every restart.
	Paths credstore.Paths
	// Routes is the embedding application's ordered routing table.
	Routes []Route
	// Logger for lifecycle diagnostics. Nil means slog.Default().
	Logger *slog.Logger
	// LoadTimeout bounds each credential load. Zero means DefaultLoadTimeout.
	LoadTimeout time.Duration
	// Loader overrides the credential loader. Nil means credstore.Load.
	Loader Loader
}

// listenerState is one generation of the serving socket. At most one is
// active at a time; a restart retires the old generation only after the new
// one is confirmed bound.
type listenerState struct {
	listener  net.Listener
	server    *http.Server
	creds     *credstore.Credentials
	notAfter  time.Time
	startedAt time.Time
}

func (st *listenerState) close() {
	// Close rather than Shutdown: the retired generation should stop
	// promptly, new connections are already landing on its replacement.
	if err := st.server.Close(); err != nil {
		slog.Debug("closing retired listener", "error", err)
	}
}

// Manager is the service lifecycle manager. It is safe for concurrent use;
// the active listener reference is the only shared mutable state and is
// swapped atomically under the manager's lock.
type Manager struct {
	addr        string
	paths       credstore.Paths
	loader      Loader
	loadTimeout time.Duration
	handler     http.Handler
	logger      *slog.Logger

	mu             sync.Mutex
	active         *listenerState
	started        bool
	closed         bool
	restarting     bool
	restartPending bool
}

// New builds a Manager with the given routing table. It does not touch the
// filesystem or the network; Start performs the first load and bind.
func New(opts Options) (*Manager, error) {
	if opts.Addr == "" {
		opts.Addr = DefaultListenAddr
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = DefaultLoadTimeout
	}
	if opts.Loader == nil {
		opts.Loader = credstore.Load
	}

	router := chi.NewRouter()
	for _, rt := range opts.Routes {
		if rt.Method == "" || rt.Pattern == "" || rt.Handler == nil {
			return nil, fmt.Errorf("route %q %q: method, pattern and handler are all required", rt.Method, rt.Pattern)
		}
		router.Method(strings.ToUpper(rt.Method), rt.Pattern, rt.Handler)
	}

	return &Manager{
		addr:        opts.Addr,
		paths:       opts.Paths,
		loader:      opts.Loader,
		loadTimeout: opts.LoadTimeout,
		handler:     router,
		logger:      opts.Logger,
	}, nil
}

// Start performs the initial credential load and binds the first listener.
// It returns an error if either fails; retrying a failed first load is the
// caller's responsibility. Starting twice is caller error.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return fmt.Errorf("manager already started")
	}
	m.mu.Unlock()

	creds, err := m.load(ctx)
	if err != nil {
		return fmt.Errorf("initial credential load: %w", err)
	}
	st, err := m.bind(ctx, creds)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.active = st
	m.started = true
	// Pin the concrete address so restarts rebind the same port even when
	// the configured address asked the kernel to pick one.
	m.addr = st.listener.Addr().String()
	m.mu.Unlock()

	m.logger.Info("mTLS listener started", "addr", m.addr)
	return nil
}

// Addr returns the active listener's address, or "" when none is bound.
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.listener.Addr().String()
}

// Restart re-loads credentials and replaces the active listener. Failure at
// any step keeps the current listener authoritative. At most one restart
// runs at a time; signals arriving meanwhile collapse into exactly one
// follow-up restart, so no rotation is silently lost.
func (m *Manager) Restart() error {
	m.mu.Lock()
	if m.closed || !m.started {
		m.mu.Unlock()
		return nil
	}
	if m.restarting {
		m.restartPending = true
		m.mu.Unlock()
		m.logger.Debug("restart already in flight, queued follow-up")
		return nil
	}
	m.restarting = true
	m.mu.Unlock()

	var err error
	for {
		err = m.restartOnce()

		m.mu.Lock()
		if m.restartPending && !m.closed {
			m.restartPending = false
			m.mu.Unlock()
			continue
		}
		m.restarting = false
		m.mu.Unlock()
		return err
	}
}

// Close stops accepting new connections and releases the listening socket.
// It is idempotent and cancels any queued restart.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.restartPending = false
	st := m.active
	m.active = nil
	m.mu.Unlock()

	if st == nil {
		return nil
	}
	if err := st.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down listener: %w", err)
	}
	m.logger.Info("mTLS listener closed")
	return nil
}

func (m *Manager) load(ctx context.Context) (*credstore.Credentials, error) {
	loadCtx, cancel := context.WithTimeout(ctx, m.loadTimeout)
	defer cancel()
	return m.loader(loadCtx, m.paths)
}

// bind constructs a new listener generation from the given credentials. The
// TLS stack performs the structural validation the loader skipped.
func (m *Manager) bind(ctx context.Context, creds *credstore.Credentials) (*listenerState, error) {
	tlsCfg, parsed, err := newTLSConfig(creds)
	if err != nil {
		return nil, fmt.Errorf("building TLS configuration: %w", err)
	}

	m.mu.Lock()
	addr := m.addr
	m.mu.Unlock()

	ln, err := listen(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           m.handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Handshake failures from unauthenticated peers are expected
		// operational noise under mTLS, keep them out of the error level.
		ErrorLog: slog.NewLogLogger(m.logger.Handler(), slog.LevelDebug),
	}

	st := &listenerState{
		listener:  ln,
		server:    srv,
		creds:     creds,
		notAfter:  parsed.svid.Certificates[0].NotAfter,
		startedAt: time.Now(),
	}

	go func() {
		if serveErr := srv.Serve(tls.NewListener(ln, tlsCfg)); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			m.logger.Error("listener terminated unexpectedly", "error", serveErr)
		}
	}()

	certNotAfterTimestamp.Set(float64(st.notAfter.Unix()))
	listenerStartedTimestamp.Set(float64(st.startedAt.Unix()))
	return st, nil
}

func (m *Manager) restartOnce() error {
	ctx := context.Background()

	creds, err := m.load(ctx)
	if err != nil {
		restartsTotal.WithLabelValues(resultLoadError).Inc()
		m.logger.Error("credential reload failed, keeping current listener", "error", err)
		return err
	}

	if !reusePort {
		return m.restartRebind(ctx, creds)
	}

	st, err := m.bind(ctx, creds)
	if err != nil {
		restartsTotal.WithLabelValues(resultBindError).Inc()
		m.logger.Error("replacement listener failed to bind, keeping current listener", "error", err)
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		st.close()
		return nil
	}
	old := m.active
	m.active = st
	m.mu.Unlock()

	// The old generation is retired strictly after its replacement bound.
	if old != nil {
		old.close()
	}

	restartsTotal.WithLabelValues(resultSuccess).Inc()
	lastRestartSuccessTimestamp.SetToCurrentTime()
	m.logger.Info("listener restarted with fresh credentials",
		"addr", st.listener.Addr().String(),
		"cert_not_after", st.notAfter,
	)
	return nil
}

// restartRebind is the close-then-rebind path for platforms where two
// listeners cannot share a port. The connection-refusal window between close
// and rebind is an accepted tradeoff there. If the rebind itself fails the
// old credentials are used to restore the previous listener.
func (m *Manager) restartRebind(ctx context.Context, creds *credstore.Credentials) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	old := m.active
	m.active = nil
	m.mu.Unlock()

	var oldCreds *credstore.Credentials
	if old != nil {
		oldCreds = old.creds
		old.close()
	}

	st, err := m.bind(ctx, creds)
	if err != nil {
		restartsTotal.WithLabelValues(resultBindError).Inc()
		m.logger.Error("replacement listener failed to bind", "error", err)
		if oldCreds != nil {
			if st, err = m.bind(ctx, oldCreds); err != nil {
				m.logger.Error("restoring previous listener failed, no listener bound until next rotation", "error", err)
				return err
			}
		} else {
			return err
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		st.close()
		return nil
	}
	m.active = st
	m.mu.Unlock()

	restartsTotal.WithLabelValues(resultSuccess).Inc()
	lastRestartSuccessTimestamp.SetToCurrentTime()
	return nil
}
