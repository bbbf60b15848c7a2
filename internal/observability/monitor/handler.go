package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"

	"taskd/internal/task/engine"
)

type metricsResponse struct {
	QueueSize int        `json:"queueSize"`
	Completed uint64     `json:"completed"`
	Failed    uint64     `json:"failed"`
	Tasks     []taskView `json:"tasks"`
}

// taskView renders timestamps as epoch milliseconds; absent values are null.
type taskView struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Priority   string  `json:"priority"`
	Status     string  `json:"status"`
	EnqueuedAt int64   `json:"enqueuedAt"`
	StartedAt  *int64  `json:"startedAt"`
	FinishedAt *int64  `json:"finishedAt"`
	Error      *string `json:"error"`
}

func newTaskView(e engine.Entry) taskView {
	v := taskView{
		ID:         e.ID.String(),
		Name:       e.Name,
		Priority:   e.Priority.String(),
		Status:     e.Status.String(),
		EnqueuedAt: e.EnqueuedAt.UnixMilli(),
	}
	if !e.StartedAt.IsZero() {
		ms := e.StartedAt.UnixMilli()
		v.StartedAt = &ms
	}
	if !e.FinishedAt.IsZero() {
		ms := e.FinishedAt.UnixMilli()
		v.FinishedAt = &ms
	}
	if e.Error != "" {
		msg := e.Error
		v.Error = &msg
	}
	return v
}

// StateFunc returns a JSON-encodable view of the process for /debug/state.
type StateFunc func(ctx context.Context) any

type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	state StateFunc
}

// WithState mounts /debug/state, served from fn. A nil fn leaves it unmounted.
func WithState(fn StateFunc) HandlerOption {
	return func(o *handlerOptions) { o.state = fn }
}

// Handler builds the monitor mux for src. It is exported for tests and for
// embedding the endpoints into another server.
func Handler(cfg Config, src engine.Source, opts ...HandlerOption) http.Handler {
	var o handlerOptions
	for _, opt := range opts {
		opt(&o)
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return getOnly(withAuth(cfg.Token, h)) }

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", wrap(metricsHandler(src, limit)))
	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	if o.state != nil {
		mux.HandleFunc("/debug/state", wrap(stateHandler(o.state)))
	}

	if cfg.Pprof {
		prefix := normalizePrefix(cfg.PprofPrefix)
		base := strings.TrimSuffix(prefix, "/")
		mux.HandleFunc(prefix, wrap(pprofIndexAt(prefix)))
		mux.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc(base+"/profile", wrap(hpprof.Profile))
		mux.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc(base+"/trace", wrap(hpprof.Trace))
	}
	return mux
}

func metricsHandler(src engine.Source, defLimit int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defLimit
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		if limit > engine.RecentCapacity {
			limit = engine.RecentCapacity
		}

		resp := metricsResponse{Tasks: []taskView{}}
		if src != nil {
			resp.QueueSize = src.QueueLen()
			resp.Completed = src.CompletedCount()
			resp.Failed = src.FailedCount()
			for _, e := range src.Recent(limit) {
				resp.Tasks = append(resp.Tasks, newTaskView(e))
			}
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func stateHandler(fn StateFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(fn(r.Context()))
	}
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either:
		//   Authorization: Bearer <token>
		// or query param: ?token=<token>
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index assumes requests are rooted at /debug/pprof/; rewrite the path
// so custom prefixes work without forking net/http/pprof.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := strings.TrimPrefix(r.URL.Path, canon)
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + suffix
		hpprof.Index(w, r2)
	}
}
