package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/admin"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := loadDotenv(); err != nil {
		logrus.Fatalf("dotenv error: %v", err)
	}
	cfg, err := readConfig()
	if err != nil {
		logrus.Fatalf("config error: %v", err)
	}
	log := newLogger(cfg)

	target, err := url.Parse(cfg.upstreamURL)
	if err != nil {
		log.Fatalf("invalid UPSTREAM_URL: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(cfg.dbPath), 0o755); err != nil {
		log.Fatalf("create db dir: %v", err)
	}
	repo, err := infra.OpenSQLite(ctx, cfg.dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = repo.Close() }()

	counters := infra.NewCounterEngine(
		infra.WithIdleMultiple(cfg.counterIdleMultiple),
		infra.WithCleanupEvery(cfg.counterCleanupEvery),
		infra.WithShards(cfg.counterShards),
	)
	rules := infra.NewRuleStore(repo, infra.WithCounterInvalidator(counters))
	blacklist := infra.NewBlacklistStore(repo)

	writer := application.NewBlacklistWriter(repo,
		application.WithWriterQueue(cfg.writerQueue),
		application.WithWriterBlacklist(blacklist),
		application.WithWriterLogger(log.WithField("component", "blacklist-writer")),
	)

	decisions := infra.NewMemoryStatsStore()
	facade := &application.AdminFacade{
		RuleRepo:  repo,
		EntryRepo: repo,
		Rules:     rules,
		Blacklist: blacklist,
		Counters:  counters,
		Decisions: decisions,
		Log:       log.WithField("component", "admin"),
	}

	// falha na carga inicial impede a subida
	if _, err := facade.ReloadRules(ctx); err != nil {
		log.Fatalf("initial rule load: %v", err)
	}
	if _, err := facade.ReloadBlacklist(ctx); err != nil {
		log.Fatalf("initial blacklist load: %v", err)
	}

	stats := infra.MultiStatsStore{decisions}

	var metrics http.Handler
	if cfg.metricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prom, err := infra.NewPrometheusStatsStore(reg)
		if err != nil {
			log.Fatalf("register metrics: %v", err)
		}
		if err := infra.RegisterGauges(reg, facade); err != nil {
			log.Fatalf("register gauges: %v", err)
		}
		stats = append(stats, prom)
		metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	if cfg.statsEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.statsRedisAddr,
			Password: cfg.statsRedisPassword,
			DB:       cfg.statsRedisDB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
		_, err := rdb.Ping(pingCtx).Result()
		cancelPing()
		if err != nil {
			log.Fatalf("redis stats ping error: %v", err)
		}

		stats = append(stats, infra.NewRedisStatsStore(
			rdb,
			infra.WithStatsPrefix(cfg.statsPrefix),
			infra.WithStatsTTL(cfg.statsTTL),
			infra.WithStatsBucket(cfg.statsBucket),
			infra.WithStatsTrackIPs(cfg.statsTrackIPs),
		))
	}

	counters.StartJanitor(ctx)
	writer.Start(ctx)

	sched := cron.New()
	sweeper := &application.ExpirySweeper{
		Blacklist:  blacklist,
		Repository: repo,
		Log:        log.WithField("component", "expiry"),
		Timeout:    30 * time.Second,
	}
	if _, err := sweeper.Schedule(sched, cfg.expirySchedule); err != nil {
		log.Fatalf("schedule expiry sweep: %v", err)
	}
	sched.Start()

	svc := &application.AdmissionService{
		Rules:     rules,
		Blacklist: blacklist,
		Counters:  counters,
		Writer:    writer,
		Log:       log.WithField("component", "admission"),
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.WithError(err).Warn("proxy error")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	h := http.Handler(proxy)
	if cfg.admissionEnabled {
		h = ratelimit.Middleware(ratelimit.Options{
			Evaluator:           svc,
			Stats:               stats,
			KeyHeader:           cfg.keyHeader,
			TrustXForwardedFor:  cfg.trustXFF,
			UserHeader:          cfg.userHeader,
			RejectStatus:        cfg.rejectStatus,
			AddRateLimitHeaders: cfg.addHeaders,
			Log:                 log,
		})(h)
	}

	srv := newServer(cfg.listenAddr, h)
	adminHandler := admin.NewHandler(facade,
		admin.WithLogger(log.WithField("component", "admin-api")),
		admin.WithMetrics(metrics),
		admin.WithLiveInterval(cfg.liveInterval),
		admin.WithAllowedOrigins(cfg.allowedOrigins...),
	)
	adminSrv := newServer(cfg.adminAddr, adminHandler.Routes())
	// o stream de estatísticas é longo
	adminSrv.WriteTimeout = 0

	log.Infof("gateway listening on %s -> %s", cfg.listenAddr, target)
	log.Infof("admin api listening on %s (metrics=%v)", cfg.adminAddr, cfg.metricsEnabled)
	log.WithFields(logrus.Fields{
		"enabled":   cfg.admissionEnabled,
		"rules":     rules.Len(),
		"blacklist": blacklist.Len(),
		"trustXFF":  cfg.trustXFF,
		"db":        cfg.dbPath,
	}).Info("admission control")
	log.WithFields(logrus.Fields{
		"enabled": cfg.statsEnabled, "redisAddr": cfg.statsRedisAddr, "bucket": cfg.statsBucket, "ttl": cfg.statsTTL,
	}).Info("redis stats")

	errCh := make(chan error, 2)
	for _, s := range []*http.Server{srv, adminSrv} {
		go func(s *http.Server) {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(s)
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.WithError(err).Error("server error")
		cancel()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)
	<-sched.Stop().Done()
	writer.Wait()
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
}
