package statusapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mediabot/internal/storage"
	"mediabot/internal/task/indexer"
	"mediabot/internal/task/queue"
	"mediabot/internal/task/scheduler"
	logx "mediabot/pkg/logx"
)

const (
	defaultActivityLimit = 20
	maxActivityLimit     = 200
)

type QueueSource interface{ Snapshot() queue.Snapshot }

type IndexerSource interface{ Snapshot() indexer.Snapshot }

type SchedulerSource interface{ Snapshot() scheduler.Snapshot }

type ActivitySource interface {
	Recent(ctx context.Context, limit int) ([]storage.ActivityEntry, error)
}

// Sources are read by the handlers. Only Queue is required.
type Sources struct {
	Queue     QueueSource
	Indexer   IndexerSource
	Scheduler SchedulerSource
	Activity  ActivitySource
}

type queueView struct {
	Pending       int    `json:"pending"`
	Active        int    `json:"active"`
	MaxConcurrent int    `json:"max_concurrent"`
	Paused        bool   `json:"paused"`
	Added         uint64 `json:"added"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	TimedOut      uint64 `json:"timed_out"`
	Discarded     uint64 `json:"discarded"`
	DispatchRuns  uint64 `json:"dispatch_runs"`
}

type indexerView struct {
	State     string     `json:"state"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	Cycles    uint64     `json:"cycles"`
	Submitted uint64     `json:"submitted"`
	Indexed   uint64     `json:"indexed"`
	Skipped   uint64     `json:"skipped"`
	Failed    uint64     `json:"failed"`
	InFlight  int        `json:"in_flight"`
	LastError string     `json:"last_error,omitempty"`
}

type scheduleView struct {
	Name  string     `json:"name"`
	Spec  string     `json:"spec"`
	Next  *time.Time `json:"next,omitempty"`
	Runs  uint64     `json:"runs"`
	Skips uint64     `json:"skips"`
}

type statusView struct {
	Time      time.Time      `json:"time"`
	Queue     queueView      `json:"queue"`
	Indexer   *indexerView   `json:"indexer,omitempty"`
	Schedules []scheduleView `json:"schedules,omitempty"`
}

type activityView struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

type errorView struct {
	Error string `json:"error"`
}

// NewHandler builds the status routes. A non-empty cfg.Token is required as
// "Authorization: Bearer <token>" or "?token=" on every route except
// /healthz. cfg.Pprof mounts the runtime profiler under /debug.
func NewHandler(src Sources, cfg Config, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLog(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Group(func(r chi.Router) {
		r.Use(bearer(cfg.Token))
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, buildStatus(src))
		})
		r.Get("/activity", func(w http.ResponseWriter, req *http.Request) {
			if src.Activity == nil {
				writeJSON(w, http.StatusNotFound, errorView{Error: "activity log disabled"})
				return
			}
			limit := defaultActivityLimit
			if v := req.URL.Query().Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n <= 0 {
					writeJSON(w, http.StatusBadRequest, errorView{Error: "limit must be a positive integer"})
					return
				}
				limit = min(n, maxActivityLimit)
			}
			entries, err := src.Activity.Recent(req.Context(), limit)
			if err != nil {
				log.Warn("activity read failed", logx.Err(err))
				writeJSON(w, http.StatusInternalServerError, errorView{Error: "activity unavailable"})
				return
			}
			out := make([]activityView, 0, len(entries))
			for _, e := range entries {
				out = append(out, activityView{At: e.At.UTC(), Message: e.Message})
			}
			writeJSON(w, http.StatusOK, out)
		})
	})
	return r
}

func buildStatus(src Sources) statusView {
	q := src.Queue.Snapshot()
	out := statusView{
		Time: time.Now().UTC(),
		Queue: queueView{
			Pending:       q.Pending,
			Active:        q.Active,
			MaxConcurrent: q.MaxConcurrent,
			Paused:        q.Paused,
			Added:         q.Added,
			Completed:     q.Completed,
			Failed:        q.Failed,
			TimedOut:      q.TimedOut,
			Discarded:     q.Discarded,
			DispatchRuns:  q.DispatchRuns,
		},
	}
	if src.Indexer != nil {
		ix := src.Indexer.Snapshot()
		out.Indexer = &indexerView{
			State:     string(ix.State),
			NextRunAt: timePtr(ix.NextRunAt),
			Cycles:    ix.Cycles,
			Submitted: ix.Submitted,
			Indexed:   ix.Indexed,
			Skipped:   ix.Skipped,
			Failed:    ix.Failed,
			InFlight:  ix.InFlight,
			LastError: ix.LastError,
		}
	}
	if src.Scheduler != nil {
		for _, s := range src.Scheduler.Snapshot().Schedules {
			out.Schedules = append(out.Schedules, scheduleView{Name: s.Name, Spec: s.Spec, Next: timePtr(s.Next), Runs: s.Runs, Skips: s.Skips})
		}
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSON(w, http.StatusUnauthorized, errorView{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.String("remote", r.RemoteAddr),
				logx.Duration("dur", time.Since(start)),
			)
		})
	}
}
