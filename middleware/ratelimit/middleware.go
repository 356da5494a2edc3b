package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/sirupsen/logrus"
)

type KeyFunc func(r *http.Request) string

type Options struct {
	Evaluator domain.Evaluator
	Stats     domain.StatsStore

	// KeyFn extrai o IP do cliente; sem ele usa DefaultKeyFunc(KeyHeader, TrustXForwardedFor).
	KeyFn              KeyFunc
	KeyHeader          string
	TrustXForwardedFor bool

	// UserFn extrai o id do usuário autenticado; sem ele lê UserHeader (se definido).
	UserFn     KeyFunc
	UserHeader string

	// RouteFn devolve o código da rota; padrão é o path da URL.
	RouteFn KeyFunc

	RejectStatus        int
	AddRateLimitHeaders bool
	Log                 logrus.FieldLogger
}

func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			// pega o primeiro IP do X-Forwarded-For (cliente original)
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}

		// fallback: RemoteAddr
		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// HeaderFunc lê um header (vazio quando ausente).
func HeaderFunc(name string) KeyFunc {
	return func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get(name))
	}
}

func PathRouteFunc(r *http.Request) string { return r.URL.Path }

// retryAfterSeconds arredonda para cima e nunca devolve menos de 1.
func retryAfterSeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}
	if opts.UserFn == nil && opts.UserHeader != "" {
		opts.UserFn = HeaderFunc(opts.UserHeader)
	}
	if opts.RouteFn == nil {
		opts.RouteFn = PathRouteFunc
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}

	return func(next http.Handler) http.Handler {
		if opts.Evaluator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := domain.RequestKey{IP: opts.KeyFn(r), RouteCode: opts.RouteFn(r)}
			if opts.UserFn != nil {
				key.UserID = opts.UserFn(r)
			}

			dec := opts.Evaluator.Evaluate(key)

			if opts.Stats != nil {
				ev := domain.StatsEvent{
					IP:      key.IP,
					Allowed: dec.Allowed(),
					Reason:  dec.Reason,
					Method:  r.Method,
					Path:    r.URL.Path,
					At:      time.Now(),
				}
				if dec.Rule != nil {
					ev.RuleCode = dec.Rule.Code
				}
				if err := opts.Stats.Record(r.Context(), ev); err != nil {
					opts.Log.WithError(err).Debug("stats record failed")
				}
			}

			if opts.AddRateLimitHeaders {
				w.Header().Set("X-RateLimit-Key", key.IP)
				if dec.Remaining >= 0 {
					w.Header().Set("X-RateLimit-Remaining", formatInt(dec.Remaining))
				}
				if dec.Rule != nil {
					w.Header().Set("X-RateLimit-Rule", dec.Rule.Code)
					w.Header().Set("X-RateLimit-Limit", formatInt(dec.Rule.Limit))
				}
				if dec.Reason != domain.ReasonNone {
					w.Header().Set("X-RateLimit-Reason", string(dec.Reason))
				}
			}

			if !dec.Allowed() {
				if dec.RetryAfter > 0 {
					w.Header().Set("Retry-After", formatInt(retryAfterSeconds(dec.RetryAfter)))
				}
				http.Error(w, http.StatusText(opts.RejectStatus), opts.RejectStatus)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
