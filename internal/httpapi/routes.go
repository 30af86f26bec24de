package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"locatorbot/internal/poller"
	"locatorbot/internal/runtime/supervisor"
	"locatorbot/internal/tracking"
	logx "locatorbot/pkg/logx"
)

// Deps are the read-only views the API serves.
type Deps struct {
	Store   tracking.Store
	Poller  interface{ Snapshot() poller.Status }
	Metrics interface {
		Handler() http.Handler
		WrapHandler(route string, next http.Handler) http.Handler
	}
	Supervisor func() supervisor.Snapshot
}

func (s *Service) handler(cfg Config) http.Handler {
	return NewRouter(s.deps, cfg, s.log)
}

// NewRouter wires every route. An empty cfg.Token disables auth; /healthz is
// always unauthenticated.
func NewRouter(deps Deps, cfg Config, log logx.Logger) http.Handler {
	token := cfg.Token
	r := mux.NewRouter()
	wrap := func(route string, h http.HandlerFunc) http.Handler {
		var out http.Handler = withAuth(token, h)
		if deps.Metrics != nil {
			out = deps.Metrics.WrapHandler(route, out)
		}
		return out
	}

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	if deps.Metrics != nil {
		r.Handle("/metrics", withAuth(token, deps.Metrics.Handler().ServeHTTP)).Methods(http.MethodGet)
	}

	api := &api{deps: deps}
	r.Handle("/api/status", wrap("/api/status", api.status)).Methods(http.MethodGet)
	r.Handle("/api/poller", wrap("/api/poller", api.pollerStatus)).Methods(http.MethodGet)
	r.Handle("/api/owners/{owner}", wrap("/api/owners/{owner}", api.owner)).Methods(http.MethodGet)
	r.Handle("/api/owners/{owner}/objects/{name}/latest", wrap("/api/owners/{owner}/objects/{name}/latest", api.latest)).Methods(http.MethodGet)
	r.Handle("/api/owners/{owner}/objects/{name}/track", wrap("/api/owners/{owner}/objects/{name}/track", api.track)).Methods(http.MethodGet)

	if cfg.Pprof {
		dbg := r.PathPrefix("/debug/pprof").Subrouter()
		dbg.HandleFunc("/cmdline", withAuth(token, hpprof.Cmdline))
		dbg.HandleFunc("/profile", withAuth(token, hpprof.Profile))
		dbg.HandleFunc("/symbol", withAuth(token, hpprof.Symbol))
		dbg.HandleFunc("/trace", withAuth(token, hpprof.Trace))
		// Index serves the named profiles under /debug/pprof/.
		dbg.PathPrefix("/").HandlerFunc(withAuth(token, hpprof.Index))
	}

	var h http.Handler = r
	h = handlers.CompressHandler(h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{log}), handlers.PrintRecoveryStack(true))(h)
	h = handlers.LoggingHandler(accessLog{log}, h)
	return h
}

// accessLog feeds combined-log lines into the structured logger at debug.
type accessLog struct{ log logx.Logger }

func (a accessLog) Write(p []byte) (int, error) {
	a.log.Debug("http access", logx.String("line", strings.TrimSpace(string(p))))
	return len(p), nil
}

type recoveryLogger struct{ log logx.Logger }

func (r recoveryLogger) Println(v ...interface{}) {
	parts := make([]string, 0, len(v))
	for _, x := range v {
		if s, ok := x.(string); ok {
			parts = append(parts, s)
			continue
		}
		if err, ok := x.(error); ok {
			parts = append(parts, err.Error())
			continue
		}
		b, _ := json.Marshal(x)
		parts = append(parts, string(b))
	}
	r.log.Error("http handler panicked", logx.String("detail", strings.Join(parts, " ")))
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type api struct {
	deps Deps
}

func (a *api) status(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{}
	if a.deps.Supervisor != nil {
		out["supervisor"] = a.deps.Supervisor()
	}
	if a.deps.Poller != nil {
		st := a.deps.Poller.Snapshot()
		out["poller"] = map[string]any{"running": st.Running, "entries": len(st.Entries)}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) pollerStatus(w http.ResponseWriter, _ *http.Request) {
	if a.deps.Poller == nil {
		writeError(w, http.StatusServiceUnavailable, "poller not configured")
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Poller.Snapshot())
}

type ownerView struct {
	ID      int64          `json:"id"`
	State   tracking.State `json:"state"`
	Objects []string       `json:"objects"`
}

func (a *api) owner(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}
	o, err := a.deps.Store.GetOwner(r.Context(), id)
	if errors.Is(err, tracking.ErrNotFound) {
		writeError(w, http.StatusNotFound, "owner not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, ownerView{ID: o.ID, State: o.State, Objects: o.Objects})
}

func (a *api) latest(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}
	name := mux.Vars(r)["name"]
	s, found, err := a.deps.Store.LastSample(r.Context(), id, name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no samples")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func ownerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["owner"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "owner must be an integer")
		return 0, false
	}
	return id, true
}
