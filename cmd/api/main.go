package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paymongo-bridge/internal/config"
	"github.com/noah-isme/paymongo-bridge/internal/health"
	"github.com/noah-isme/paymongo-bridge/internal/notify"
	"github.com/noah-isme/paymongo-bridge/internal/obs"
	"github.com/noah-isme/paymongo-bridge/internal/payment"
	"github.com/noah-isme/paymongo-bridge/internal/ratelimit"
	"github.com/noah-isme/paymongo-bridge/internal/resilience"
	"github.com/noah-isme/paymongo-bridge/internal/security"
)

func main() {
	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	baseLogger := obs.NewLogger(logFormat, logLevel)

	cfg, err := config.Load()
	if err != nil {
		baseLogger.Fatal().Err(err).Msg("load config")
	}
	logger := baseLogger.With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "paymongo_bridge")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "paymongo-bridge",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	var (
		limiter ratelimit.Allower = ratelimit.NewMemoryLimiter()
		probes  []health.Probe
	)
	if cfg.RedisURL != "" {
		redisClient, err := newRedis(cfg.RedisURL, metricsEnabled, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect redis")
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
		limiter = ratelimit.RedisLimiter{Client: redisClient, Prefix: "paymongo-bridge:ratelimit:"}
		probes = append(probes, health.RedisProbe(redisClient, envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300)))
	}

	paymongoBreaker := resilience.NewBreaker(5, 0.5, 30*time.Second).WithTarget("paymongo").WithLogger(logger)
	relayBreaker := resilience.NewBreaker(5, 0.5, 30*time.Second).WithTarget("confirm-relay").WithLogger(logger)
	probes = append(probes, health.BreakerProbe(paymongoBreaker), health.BreakerProbe(relayBreaker))

	checkout := &payment.CheckoutClient{
		BaseURL:   cfg.PaymongoBaseURL,
		SecretKey: cfg.PaymongoSecretKey,
		HTTP: resilience.HTTPClient{
			Client:  notify.NewHTTPClient(cfg.PaymongoTimeout),
			Breaker: paymongoBreaker,
			Timeout: cfg.PaymongoTimeout,
			Target:  "paymongo",
		},
		Logger: logger,
	}
	relay := &notify.Relay{
		URL: cfg.ConfirmURL,
		HTTP: resilience.HTTPClient{
			Client:  notify.NewHTTPClient(cfg.ConfirmTimeout),
			Breaker: relayBreaker,
			Timeout: cfg.ConfirmTimeout,
			Target:  "confirm-relay",
		},
		SigningSecret: cfg.ConfirmSigningSecret,
		Timeout:       cfg.ConfirmTimeout,
		Logger:        logger,
	}

	if !cfg.VerificationEnabled() {
		logger.Warn().Msg("PAYMONGO_WEBHOOK_SIGNING_SECRET is empty, webhook signature verification is disabled")
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", "")), nil)
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr(),
		Handler: newRouter(routerDeps{
			cfg:       cfg,
			logger:    logger,
			limiter:   limiter,
			health:    health.Handler{Probes: probes},
			sessions:  checkout,
			confirmer: relay,
			metrics:   httpMetrics,
			tracing:   tracingEnabled,
			pprof:     envBool("OBS_ENABLE_PPROF", false),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Bool("webhook_verification", cfg.VerificationEnabled()).Msg("server starting")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
		return
	case <-ctx.Done():
	}

	logger.Info().Msg("shutdown started")
	health.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown")
	}
	if err := relay.Wait(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("confirmation relays still in flight at shutdown")
	}
	logger.Info().Msg("shutdown complete")
}

type routerDeps struct {
	cfg      *config.Config
	logger   zerolog.Logger
	limiter  ratelimit.Allower
	health   health.Handler
	sessions  payment.SessionCreator
	confirmer payment.Confirmer
	metrics   *obs.HTTPMetrics
	tracing   bool
	pprof     bool
}

func newRouter(d routerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if d.tracing {
		r.Use(obs.TracingMiddleware)
	}
	if d.metrics != nil {
		r.Use(obs.HTTPObs{Metrics: d.metrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: d.logger}.Middleware)
	r.Use(security.Headers{
		Enable:     envBool("SECURE_HEADERS_ENABLE", true),
		EnableHSTS: envBool("SECURE_HSTS_ENABLE", d.cfg.AppEnv == "production"),
	}.Middleware)
	if d.metrics != nil {
		r.Handle("/metrics", promhttp.Handler())
	}
	if d.pprof {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	r.Get("/health/live", d.health.Live)
	r.Get("/health/ready", d.health.Ready)

	payments := &payment.Handler{
		Sessions:      d.sessions,
		Confirmer:     d.confirmer,
		WebhookSecret: d.cfg.WebhookSigningSecret,
		Validate:      payment.NewValidator(),
		Logger:        d.logger,
	}
	checkoutCORS := cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(d.cfg),
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		MaxAge:         300,
	})
	bodyLimit := security.BodyLimit{Max: d.cfg.WebhookMaxBodyBytes}.Middleware
	checkoutLimit := ratelimit.Handler{
		Limiter: d.limiter,
		Config:  ratelimit.Config{Window: time.Minute, Max: d.cfg.CheckoutRatePerMin},
		OnError: func(err error) { d.logger.Warn().Err(err).Msg("checkout rate limiter unavailable") },
	}.Middleware

	r.Group(func(g chi.Router) {
		// preflight is answered by the cors handler before the limiters run
		g.Use(checkoutCORS, checkoutLimit, bodyLimit)
		for _, path := range []string{"/checkout", "/paymongo/checkout"} {
			g.Options(path, func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
			g.Post(path, payments.Checkout)
		}
	})
	r.Group(func(g chi.Router) {
		g.Use(bodyLimit)
		g.Post("/webhook", payments.Webhook)
		g.Post("/paymongo/webhook", payments.Webhook)
	})
	return r
}

func newRedis(rawURL string, metrics bool, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
