package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/mcphost/pkg/api"
	"github.com/Mindburn-Labs/mcphost/pkg/config"
	"github.com/Mindburn-Labs/mcphost/pkg/elicitation"
	"github.com/Mindburn-Labs/mcphost/pkg/observability"
	"github.com/Mindburn-Labs/mcphost/pkg/orchestrator"
	"github.com/Mindburn-Labs/mcphost/pkg/securechannel"
	"github.com/Mindburn-Labs/mcphost/pkg/trust"
)

// host is the running pipeline behind `mcphost serve`.
type host struct {
	cfg      *config.Config
	store    *trust.Store
	orch     *orchestrator.Orchestrator
	limiter  *api.ClientLimiter
	provider *observability.Provider
	handler  http.Handler
	closers  []io.Closer
}

func newHost(ctx context.Context, cfg *config.Config) (*host, error) {
	provider, err := observability.New(ctx, observability.FromConfig(cfg.Observability, version))
	if err != nil {
		return nil, err
	}
	metrics, err := provider.Metrics()
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	s, closer, err := openTrustStore(ctx, cfg, trust.WithObserver(metrics.TrustMutation))
	if err != nil {
		return nil, err
	}
	log.Printf("[mcphost] trust store: %d certificates, %d authorities", len(s.List()), len(s.Authorities()))

	queue := orchestrator.NewQueue()
	orch, err := orchestrator.New(s, queue,
		orchestrator.WithTrackerOptions(
			elicitation.WithTTL(cfg.Elicitation.RequestTTL),
			elicitation.WithGrace(cfg.Elicitation.ResolveGrace),
		),
		orchestrator.WithURLPolicy(cfg.Elicitation.URLPolicy),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithTracer(provider.Tracer()),
	)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	limiter := api.NewClientLimiter(cfg.Channel.RPS, cfg.Channel.Burst)
	channel := securechannel.New(orch.Tracker(), s, securechannel.WithMetrics(metrics))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"store":   cfg.Store.Backend,
			"pending": len(orch.Tracker().Pending("")),
		})
	})
	trust.NewHandler(s).RegisterRoutes(mux)
	orchestrator.NewHandler(orch, queue).RegisterRoutes(mux)
	securechannel.NewHandler(channel, limiter, cfg.Channel.MaxBodyBytes).RegisterRoutes(mux)

	return &host{
		cfg:      cfg,
		store:    s,
		orch:     orch,
		limiter:  limiter,
		provider: provider,
		handler:  instrument(provider, mux),
		closers:  []io.Closer{closer},
	}, nil
}

// instrument records RED metrics per surface. Paths are not used as
// attributes because they carry request ids.
func instrument(p *observability.Provider, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		surface := "api"
		if strings.HasPrefix(r.URL.Path, "/secure/") {
			surface = "secure"
		}
		ctx, done := p.TrackOperation(r.Context(), "http."+surface,
			attribute.String("http.method", r.Method),
			attribute.String("mcphost.surface", surface),
		)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		if rec.status >= 500 {
			done(fmt.Errorf("status %d", rec.status))
			return
		}
		done(nil)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// sweep purges expired requests until ctx ends.
func (h *host) sweep(ctx context.Context) {
	interval := h.cfg.Elicitation.RequestTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.orch.Tracker().Sweep(ctx); n > 0 {
				log.Printf("[mcphost] sweeper: expired %d requests", n)
			}
		}
	}
}

func (h *host) shutdown(ctx context.Context) {
	if n := h.orch.Close(ctx); n > 0 {
		log.Printf("[mcphost] cancelled %d outstanding elicitations", n)
	}
	h.limiter.Close()
	for _, c := range h.closers {
		if err := c.Close(); err != nil {
			log.Printf("[mcphost] close: %v", err)
		}
	}
	_ = h.provider.Shutdown(ctx)
}

// runServeCmd implements `mcphost serve`.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	var listen string
	fs := newFlagSet("serve", stderr, &common)
	fs.StringVar(&listen, "listen", "", "listen address (overrides listen_addr)")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := loadConfig(common.configPath)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	if listen != "" {
		cfg.ListenAddr = listen
	}
	configureLogging(stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := newHost(ctx, cfg)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	go h.sweep(ctx)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h.handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	fmt.Fprintf(stdout, "%smcphost %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(stdout, "  Listen:      http://%s\n", cfg.ListenAddr)
	fmt.Fprintf(stdout, "  Health:      http://%s/healthz\n", cfg.ListenAddr)
	fmt.Fprintf(stdout, "  Store:       %s\n", cfg.Store.Backend)
	fmt.Fprintf(stdout, "  Request TTL: %s\n", cfg.Elicitation.RequestTTL)
	fmt.Fprintf(stdout, "  URL policy:  %s\n", cfg.Elicitation.URLPolicy)

	go func() {
		<-ctx.Done()
		log.Println("[mcphost] shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.shutdown(shutdownCtx)
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fail(stderr, "%v", err)
	}
	return 0
}
