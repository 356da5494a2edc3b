package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Facade é o que a API precisa de application.AdminFacade.
type Facade interface {
	ListRules(ctx context.Context, f domain.RuleFilter, p domain.PageRequest) (domain.Page[domain.Rule], error)
	GetRule(ctx context.Context, id string) (domain.Rule, error)
	CreateRule(ctx context.Context, r domain.Rule) (domain.Rule, error)
	UpdateRule(ctx context.Context, id string, r domain.Rule) (domain.Rule, error)
	DeleteRule(ctx context.Context, id string) error
	ReloadRules(ctx context.Context) (domain.ReloadResult, error)
	Stats(ctx context.Context) domain.StatsSnapshot

	ListEntries(ctx context.Context, f domain.EntryFilter, p domain.PageRequest) (domain.Page[domain.Entry], error)
	GetEntry(ctx context.Context, id string) (domain.Entry, error)
	CreateEntry(ctx context.Context, e domain.Entry) (domain.Entry, error)
	UpdateEntry(ctx context.Context, id string, e domain.Entry) (domain.Entry, error)
	DeleteEntry(ctx context.Context, id string) error
	Unblock(ctx context.Context, id string) (domain.Entry, error)
	UnblockIP(ctx context.Context, ip string) error
	ReloadBlacklist(ctx context.Context) (domain.ReloadResult, error)
}

type Handler struct {
	facade       Facade
	log          logrus.FieldLogger
	metrics      http.Handler
	liveInterval time.Duration
	origins      []string
	upgrader     *websocket.Upgrader
}

type Option func(*Handler)

func WithLogger(l logrus.FieldLogger) Option {
	return func(h *Handler) { h.log = l }
}

// WithMetrics monta o handler em GET /metrics (ex.: promhttp.Handler()).
func WithMetrics(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLiveInterval define a cadência do stream /rate-limit-rule/stats/live.
func WithLiveInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.liveInterval = d
		}
	}
}

// WithAllowedOrigins libera o stream ao vivo para painéis em outras origens
// (ex.: "https://painel.exemplo.com"). Sem origens, só a mesma origem é aceita.
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Handler) { h.origins = append(h.origins, origins...) }
}

func NewHandler(f Facade, opts ...Option) *Handler {
	h := &Handler{facade: f, log: logrus.StandardLogger(), liveInterval: 2 * time.Second}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = newUpgrader(h.origins)
	return h
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/rate-limit-rule", func(r chi.Router) {
		r.Get("/", h.listRules)
		r.Post("/", h.createRule)
		r.Get("/stats", h.stats)
		r.Get("/stats/live", h.liveStats)
		r.Post("/reload", h.reloadRules)
		r.Get("/{id}", h.getRule)
		r.Put("/{id}", h.updateRule)
		r.Delete("/{id}", h.deleteRule)
	})

	r.Route("/ip-blacklist", func(r chi.Router) {
		r.Get("/", h.listEntries)
		r.Post("/", h.createEntry)
		r.Post("/reload", h.reloadBlacklist)
		r.Post("/unblock", h.unblockIP)
		r.Get("/{id}", h.getEntry)
		r.Put("/{id}", h.updateEntry)
		r.Delete("/{id}", h.deleteEntry)
		r.Post("/{id}/unblock", h.unblock)
	})
	return r
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.WithError(err).Debug("write response")
	}
}

func statusFor(err error) int {
	switch {
	case domain.IsConfigurationError(err):
		return http.StatusBadRequest
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case domain.IsReloadError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error  string                     `json:"error"`
	Detail *domain.ConfigurationError `json:"detail,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	var ce *domain.ConfigurationError
	if errors.As(err, &ce) {
		body.Detail = ce
	}
	if status >= http.StatusInternalServerError {
		h.log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).WithError(err).Error("admin request failed")
	}
	h.writeJSON(w, status, body)
}

func pageRequest(r *http.Request) (domain.PageRequest, error) {
	var p domain.PageRequest
	q := r.URL.Query()
	for field, dst := range map[string]*int{"page": &p.Page, "size": &p.Size} {
		raw := q.Get(field)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return p, &domain.ConfigurationError{Field: field, Reason: "must be a non-negative integer"}
		}
		*dst = n
	}
	return p.Normalize(), nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &domain.ConfigurationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// ---- regras ----

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	p, err := pageRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	page, err := h.facade.ListRules(r.Context(), domain.RuleFilter{
		Name:   q.Get("name"),
		Code:   q.Get("code"),
		Mode:   domain.Mode(q.Get("mode")),
		Status: domain.Status(q.Get("status")),
	}, p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

func (h *Handler) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.facade.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	var in domain.Rule
	if err := decode(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	rule, err := h.facade.CreateRule(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, rule)
}

func (h *Handler) updateRule(w http.ResponseWriter, r *http.Request) {
	var in domain.Rule
	if err := decode(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	rule, err := h.facade.UpdateRule(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.facade.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reloadRules(w http.ResponseWriter, r *http.Request) {
	res, err := h.facade.ReloadRules(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.facade.Stats(r.Context()))
}

// ---- blacklist ----

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	p, err := pageRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	page, err := h.facade.ListEntries(r.Context(), domain.EntryFilter{
		IP:     q.Get("ip"),
		Source: domain.Source(q.Get("source")),
		Status: domain.EntryStatus(q.Get("status")),
	}, p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

func (h *Handler) getEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.facade.GetEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, e)
}

func (h *Handler) createEntry(w http.ResponseWriter, r *http.Request) {
	var in domain.Entry
	if err := decode(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	e, err := h.facade.CreateEntry(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, e)
}

func (h *Handler) updateEntry(w http.ResponseWriter, r *http.Request) {
	var in domain.Entry
	if err := decode(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	e, err := h.facade.UpdateEntry(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, e)
}

func (h *Handler) deleteEntry(w http.ResponseWriter, r *http.Request) {
	if err := h.facade.DeleteEntry(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unblock(w http.ResponseWriter, r *http.Request) {
	e, err := h.facade.Unblock(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, e)
}

// unblockIP cobre entradas que ainda não foram persistidas (sem id).
func (h *Handler) unblockIP(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		h.writeError(w, r, &domain.ConfigurationError{Field: "ip", Reason: "required"})
		return
	}
	if err := h.facade.UnblockIP(r.Context(), ip); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reloadBlacklist(w http.ResponseWriter, r *http.Request) {
	res, err := h.facade.ReloadBlacklist(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}
