package intake

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tagsync/internal/dispatch"
	"tagsync/internal/storage"
	logx "tagsync/pkg/logx"
)

// Engine is the part of *dispatch.Engine the intake needs.
type Engine interface {
	SubmitTag(ctx context.Context, tag dispatch.Tag) (bool, error)
}

// Subscriptions is the part of storage.Store the intake needs.
type Subscriptions interface {
	SubscribedRegistrationIDs(ctx context.Context, tag dispatch.Tag) ([]string, error)
	Subscribe(ctx context.Context, tag dispatch.Tag, registrationID string) error
	Unsubscribe(ctx context.Context, tag dispatch.Tag, registrationID string) error
}

// HealthFunc returns the /healthz document.
type HealthFunc func() any

type RouterConfig struct {
	Token string
	Pprof bool
}

type api struct {
	eng    Engine
	subs   Subscriptions
	health HealthFunc
	log    logx.Logger
}

// NewRouter builds the intake HTTP API.
func NewRouter(cfg RouterConfig, eng Engine, subs Subscriptions, health HealthFunc, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &api{eng: eng, subs: subs, health: health, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthz)
	if cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/v1/tags/{tag}", func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		r.Post("/sync", a.syncTag)
		r.Get("/subscriptions", a.listSubscriptions)
		r.Put("/subscriptions/{id}", a.subscribe)
		r.Delete("/subscriptions/{id}", a.unsubscribe)
	})
	return r
}

func (a *api) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			if !strings.HasPrefix(ah, p) || strings.TrimSpace(strings.TrimPrefix(ah, p)) != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tagParam(r *http.Request) dispatch.Tag {
	return dispatch.Tag(strings.TrimSpace(chi.URLParam(r, "tag")))
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	if a.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusOK, a.health())
}

type syncResponse struct {
	Tag      string `json:"tag"`
	Accepted bool   `json:"accepted"`
}

func (a *api) syncTag(w http.ResponseWriter, r *http.Request) {
	tag := tagParam(r)
	if tag == "" {
		writeError(w, http.StatusBadRequest, errors.New("tag required"))
		return
	}
	accepted, err := a.eng.SubmitTag(r.Context(), tag)
	switch {
	case errors.Is(err, dispatch.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		a.log.Error("tag sync failed", logx.String("tag", tag.Name()), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err)
	case accepted:
		writeJSON(w, http.StatusAccepted, syncResponse{Tag: tag.Name(), Accepted: true})
	default:
		writeJSON(w, http.StatusOK, syncResponse{Tag: tag.Name(), Accepted: false})
	}
}

type subscriptionsResponse struct {
	Tag             string   `json:"tag"`
	RegistrationIDs []string `json:"registration_ids"`
}

func (a *api) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	tag := tagParam(r)
	ids, err := a.subs.SubscribedRegistrationIDs(r.Context(), tag)
	if err != nil {
		writeError(w, storeStatus(err), err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, subscriptionsResponse{Tag: tag.Name(), RegistrationIDs: ids})
}

func (a *api) subscribe(w http.ResponseWriter, r *http.Request) {
	a.mutate(w, r, a.subs.Subscribe)
}

func (a *api) unsubscribe(w http.ResponseWriter, r *http.Request) {
	a.mutate(w, r, a.subs.Unsubscribe)
}

func (a *api) mutate(w http.ResponseWriter, r *http.Request, op func(context.Context, dispatch.Tag, string) error) {
	if err := op(r.Context(), tagParam(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, storeStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func storeStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrInvalidSubscription):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
