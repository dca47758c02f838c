// Package app wires the Fidel subsystems into a running application.
//
// New builds the wallet, the transport with its breakers, the tutor
// controller, and the observability server from a validated config. Run
// serves until its context is cancelled, and Shutdown releases everything in
// order.
//
// For testing, inject doubles through [Providers] and the functional options
// (WithBalance, WithMetrics, and so on).
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/fidelai/fidel/internal/config"
	"github.com/fidelai/fidel/internal/health"
	"github.com/fidelai/fidel/internal/metering"
	"github.com/fidelai/fidel/internal/observe"
	"github.com/fidelai/fidel/internal/resilience"
	"github.com/fidelai/fidel/internal/tutor"
	"github.com/fidelai/fidel/pkg/audio"
	"github.com/fidelai/fidel/pkg/provider/s2s"
)

// serverShutdownTimeout bounds the HTTP server drain when Run's context ends.
const serverShutdownTimeout = 5 * time.Second

// Providers holds the constructed backends. S2S and Audio are required;
// S2SFallback is optional. Populated by main via the config registry.
type Providers struct {
	S2S         s2s.Provider
	S2SFallback s2s.Provider
	Audio       audio.Platform
}

// App owns all subsystem lifetimes.
type App struct {
	providers *Providers
	log       *slog.Logger
	level     *slog.LevelVar
	metrics   *observe.Metrics
	balance   metering.Balance

	transport *resilience.S2SFallback
	ctl       *tutor.Controller
	sessions  *SessionManager
	health    *health.Handler
	server    *http.Server

	metricsHandler http.Handler

	watchPath     string
	watchInterval time.Duration
	watcher       *config.Watcher
	sessionOpts   []SessionManagerOption

	mu  sync.Mutex
	cfg *config.Config

	// closers run in order during Shutdown, after the controller is closed.
	closers []func() error

	stopOnce sync.Once
}

// Option configures [New].
type Option func(*App)

// WithBalance replaces the in-memory wallet built from the config.
func WithBalance(b metering.Balance) Option {
	return func(a *App) { a.balance = b }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler behind GET /metrics. Defaults to the
// global Prometheus registry's handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogger sets the base logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets configuration reloads change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigWatch reloads the config file at path every interval and
// applies hot-reloadable changes to subsequent sessions.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.watchPath = path
		a.watchInterval = interval
	}
}

// WithSessionOptions passes options through to the [SessionManager].
func WithSessionOptions(opts ...SessionManagerOption) Option {
	return func(a *App) { a.sessionOpts = append(a.sessionOpts, opts...) }
}

// New creates an App from cfg and the constructed providers.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil {
		return nil, errors.New("app: an s2s provider is required")
	}
	if providers.Audio == nil {
		return nil, errors.New("app: an audio platform is required")
	}

	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	a.initBalance(cfg)
	a.initTransport(cfg)

	a.ctl = tutor.New(providers.Audio, a.transport, a.balance,
		tutor.WithSettings(cfg.TutorSettings()),
		tutor.WithMetrics(a.metrics),
		tutor.WithLogger(a.log),
		tutor.WithProviderName(cfg.Providers.S2S.Name),
	)
	a.sessions = NewSessionManager(a.ctl, a.log, a.sessionOpts...)

	a.initHealth()
	if err := a.initServer(cfg); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}
	if err := a.initWatcher(); err != nil {
		return nil, fmt.Errorf("app: init config watcher: %w", err)
	}

	// The platform goes last so devices outlive every session.
	if c, ok := providers.Audio.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	a.log.InfoContext(ctx, "app initialised",
		"s2s", cfg.Providers.S2S.Name,
		"s2s_fallback", cfg.Providers.S2SFallback.Name,
		"audio", cfg.Providers.Audio.Name,
		"balance_etb", a.balance.Remaining(),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initBalance(cfg *config.Config) {
	if a.balance != nil {
		return
	}
	w := metering.NewWallet(cfg.Wallet.Balance())
	w.OnEmpty(func() {
		a.log.Warn("wallet exhausted, new sessions are refused")
	})
	a.balance = w
}

func (a *App) initTransport(cfg *config.Config) {
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			Logger: a.log,
			OnStateChange: func(name string, from, to resilience.State) {
				if to == resilience.StateOpen {
					a.metrics.RecordProviderError(context.Background(), name, "circuit_open")
				}
			},
		},
	}
	a.transport = resilience.NewS2SFallback(a.providers.S2S, cfg.Providers.S2S.Name, fbCfg)
	if a.providers.S2SFallback != nil {
		name := cfg.Providers.S2SFallback.Name
		if name == "" {
			name = "fallback"
		}
		a.transport.AddFallback(name, a.providers.S2SFallback)
	}
}

func (a *App) initHealth() {
	checkers := []health.Checker{
		health.Wallet(a.balance),
		health.Transport(a.transport.Health),
	}
	if r, ok := a.providers.Audio.(interface{ Ready(context.Context) error }); ok {
		checkers = append(checkers, health.Func("audio", r.Ready))
	}
	a.health = health.New(checkers...)
}

func (a *App) initServer(cfg *config.Config) error {
	if cfg.Server.ListenAddr == "" {
		return nil
	}
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

func (a *App) initWatcher() error {
	if a.watchPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.watchPath, a.ApplyConfig,
		config.WithInterval(a.watchInterval),
		config.WithWatcherLogger(a.log),
	)
	if err != nil {
		return err
	}
	a.watcher = w
	a.closers = append(a.closers, w.Close)
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Controller returns the tutor controller.
func (a *App) Controller() *tutor.Controller { return a.ctl }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Balance returns the funds gate.
func (a *App) Balance() metering.Balance { return a.balance }

// Config returns the config currently in force.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Ready evaluates the readiness checks without going through HTTP.
func (a *App) Ready(ctx context.Context) health.Report {
	return a.health.Evaluate(ctx)
}

// Handler returns the observability routes: /healthz, /readyz, and /metrics,
// instrumented with request metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)
	return observe.Middleware(a.metrics, a.log)(mux)
}

// ApplyConfig applies the hot-reloadable part of a config change. Tutor and
// metering changes take effect on the next session; a running session keeps
// its settings. It is the config watcher's callback.
func (a *App) ApplyConfig(_, new *config.Config, diff config.ConfigDiff) {
	a.mu.Lock()
	a.cfg = new
	a.mu.Unlock()

	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(diff.NewLogLevel.Slog())
		a.log.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.TutorChanged || diff.MeteringChanged {
		a.ctl.SetSettings(new.TutorSettings())
		a.log.Info("tutor settings updated for the next session",
			"fields", diff.TutorChanges,
			"metering", diff.MeteringChanged,
		)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run processes controller events and serves the observability endpoints
// until ctx is cancelled, then returns ctx's error. A listener failure is
// returned immediately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.sessions.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if a.server != nil {
		srv := a.server
		tls := a.Config().Server.TLS
		g.Go(func() error {
			a.log.Info("observability server listening", "addr", srv.Addr, "tls", tls != nil)
			var err error
			if tls != nil {
				err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: serve %s: %w", srv.Addr, err)
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), serverShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	a.log.Info("app running")
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends any running session, then runs the closers in order. If ctx
// expires first the remaining closers are skipped and ctx's error returned.
// Idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if err := a.ctl.Close(); err != nil {
			a.log.Warn("controller close error", "err", err)
		}
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				a.log.Warn("server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			if err := ctx.Err(); err != nil {
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = err
				return
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete", "sessions", len(a.sessions.History()), "spent_etb", a.sessions.Spent())
	})
	return shutdownErr
}
