package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/admin"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// seedRules são carregadas no repositório em memória na subida.
var seedRules = []domain.Rule{
	{
		Code: "api-global", Name: "API global", Mode: domain.ModeTokenBucket, Limit: 100, WindowSeconds: 1,
		Scope: domain.ScopeGlobal, Status: domain.StatusEnabled, Action: domain.ActionReject,
	},
	{
		Code: "login-per-ip", Name: "Login por IP", Mode: domain.ModeSlidingWindow, Limit: 5, WindowSeconds: 60,
		Scope: domain.ScopePerIP, Status: domain.StatusEnabled, Action: domain.ActionRejectAndBlacklist,
		BlacklistSeconds: 600, Remark: "bloqueia força bruta no login por 10 minutos",
	},
	{
		Code: "user-per-minute", Name: "Usuário por minuto", Mode: domain.ModeFixedWindow, Limit: 60, WindowSeconds: 60,
		Scope: domain.ScopePerUser, Status: domain.StatusEnabled, Action: domain.ActionReject,
	},
}

func main() {
	// Exemplo: injetando o middleware diretamente no seu webserver (sem proxy),
	// com repositório em memória e a API de administração montada em /admin.
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo := infra.NewMemoryRepository()
	for _, r := range seedRules {
		if _, err := repo.CreateRule(ctx, r); err != nil {
			log.Fatalf("seed rule %s: %v", r.Code, err)
		}
	}

	counters := infra.NewCounterEngine()
	rules := infra.NewRuleStore(repo, infra.WithCounterInvalidator(counters))
	blacklist := infra.NewBlacklistStore(repo)
	writer := application.NewBlacklistWriter(repo,
		application.WithWriterBlacklist(blacklist),
		application.WithWriterLogger(log),
	)
	decisions := infra.NewMemoryStatsStore()

	facade := &application.AdminFacade{
		RuleRepo: repo, EntryRepo: repo,
		Rules: rules, Blacklist: blacklist, Counters: counters, Decisions: decisions,
		Log: log,
	}
	if _, err := facade.ReloadRules(ctx); err != nil {
		log.Fatalf("load rules: %v", err)
	}
	if _, err := facade.ReloadBlacklist(ctx); err != nil {
		log.Fatalf("load blacklist: %v", err)
	}

	counters.StartJanitor(ctx)
	writer.Start(ctx)

	svc := &application.AdmissionService{
		Rules: rules, Blacklist: blacklist, Counters: counters, Writer: writer, Log: log,
	}

	app := http.NewServeMux()
	app.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	root := chi.NewRouter()
	root.Mount("/admin", admin.NewHandler(facade, admin.WithLogger(log)).Routes())
	root.Mount("/", ratelimit.Middleware(ratelimit.Options{
		Evaluator:           svc,
		Stats:               decisions,
		UserHeader:          "X-User-Id",
		TrustXForwardedFor:  true,
		AddRateLimitHeaders: true,
		Log:                 log,
	})(app))

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("example server listening on %s (admin on /admin)", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
	writer.Wait()
}
