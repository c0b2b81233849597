// Package httpd exposes the ledger over HTTP for the web app, the bot
// webhook relay and remote ledger clients.
package httpd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nvqanh/sochitieu/internal/metrics"
	"github.com/nvqanh/sochitieu/pkg/api"
	"github.com/nvqanh/sochitieu/pkg/ledger"
	"github.com/nvqanh/sochitieu/pkg/parser"
)

// Server is the sochitieu HTTP API server.
type Server struct {
	store    api.Ledger
	registry *parser.Registry
	apiKey   string
	loc      *time.Location
	logger   *slog.Logger
}

// New creates the server. apiKey may be empty, which disables auth (local
// use only). registry may be nil, which disables the /api/parse endpoint.
func New(store api.Ledger, registry *parser.Registry, apiKey string, loc *time.Location, logger *slog.Logger) *Server {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, registry: registry, apiKey: apiKey, loc: loc, logger: logger}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)
	r.Use(countRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth)
		r.Use(requireUser)

		r.Post("/records", s.handleAppend)
		r.Post("/records/batch", s.handleAppendMany)
		r.Get("/records", s.handleList)
		r.Patch("/records/{id}", s.handleUpdate)
		r.Delete("/records/{id}", s.handleDelete)
		r.Get("/stats", s.handleStats)
		r.Get("/categories", s.handleCategories)
		if s.registry != nil {
			r.Post("/parse", s.handleParse)
		}
	})

	return r
}

// auth rejects requests whose X-API-Key does not match. An empty
// configured key disables the check.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("X-API-Key") != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ctxKey int

const userKey ctxKey = 0

// requireUser pulls the acting user from X-User-ID. Identity verification
// (Telegram initData signatures and the like) happens upstream.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get("X-User-ID")
		if user == "" {
			writeError(w, http.StatusBadRequest, "missing X-User-ID")
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
	})
}

// appendRequest tolerates the loose field types real clients send:
// amounts as numbers or strings, deleted flags as bools, numbers or "1".
type appendRequest struct {
	Amount   json.Number `json:"amount"`
	Merchant string      `json:"merchant"`
	Date     string      `json:"date"`
	Time     string      `json:"time"`
	Category string      `json:"category"`
	Note     string      `json:"note"`
	Source   string      `json:"source"`
	Raw      string      `json:"raw"`
}

func (req *appendRequest) record() (api.ExpenseRecord, error) {
	var amount int64
	if req.Amount != "" {
		n, err := req.Amount.Int64()
		if err != nil {
			f, ferr := req.Amount.Float64()
			if ferr != nil {
				return api.ExpenseRecord{}, fmt.Errorf("invalid amount %q", req.Amount)
			}
			n = int64(f)
		}
		amount = n
	}
	return api.ExpenseRecord{
		Amount:   amount,
		Merchant: req.Merchant,
		Date:     req.Date,
		Time:     req.Time,
		Category: req.Category,
		Note:     req.Note,
		Source:   req.Source,
		Raw:      req.Raw,
	}, nil
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	rec, err := req.record()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.store.Append(r.Context(), userFrom(r.Context()), rec)
	if err != nil {
		s.storeError(w, r, "append", err)
		return
	}
	result := "written"
	if id == "" {
		result = "skipped"
	}
	metrics.AppendTotal.WithLabelValues(result).Inc()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id, "skipped": id == ""})
}

func (s *Server) handleAppendMany(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items []appendRequest `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "missing items[]")
		return
	}

	recs := make([]api.ExpenseRecord, 0, len(req.Items))
	for i := range req.Items {
		rec, err := req.Items[i].record()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("item %d: %v", i, err))
			return
		}
		recs = append(recs, rec)
	}

	ids, err := s.store.AppendMany(r.Context(), userFrom(r.Context()), recs)
	if err != nil {
		s.storeError(w, r, "append_many", err)
		return
	}
	metrics.AppendTotal.WithLabelValues("written").Add(float64(len(ids)))
	metrics.AppendTotal.WithLabelValues("skipped").Add(float64(len(recs) - len(ids)))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(ids), "ids": ids})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	out, err := s.store.List(r.Context(), userFrom(r.Context()), page, limit)
	if err != nil {
		s.storeError(w, r, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"items":   out.Items,
		"total":   out.Total,
		"page":    out.Page,
		"limit":   out.Limit,
		"hasMore": out.HasMore,
	})
}

// updateRequest mirrors api.UpdateFields with the same loose coercions as
// appendRequest: amount may be a string, deleted may be "1"/"x"/true.
type updateRequest struct {
	Date     *string          `json:"date"`
	Time     *string          `json:"time"`
	Amount   *json.Number     `json:"amount"`
	Merchant *string          `json:"merchant"`
	Category *string          `json:"category"`
	Note     *string          `json:"note"`
	Raw      *string          `json:"raw"`
	Deleted  *json.RawMessage `json:"deleted"`
}

func (req *updateRequest) fields() (api.UpdateFields, error) {
	out := api.UpdateFields{
		Date:     req.Date,
		Time:     req.Time,
		Merchant: req.Merchant,
		Category: req.Category,
		Note:     req.Note,
		Raw:      req.Raw,
	}
	if req.Amount != nil {
		n, err := req.Amount.Int64()
		if err != nil {
			f, ferr := req.Amount.Float64()
			if ferr != nil {
				return api.UpdateFields{}, fmt.Errorf("invalid amount %q", *req.Amount)
			}
			n = int64(f)
		}
		out.Amount = &n
	}
	if req.Deleted != nil {
		var b bool
		if err := json.Unmarshal(*req.Deleted, &b); err != nil {
			var s string
			if err := json.Unmarshal(*req.Deleted, &s); err != nil {
				var n float64
				if err := json.Unmarshal(*req.Deleted, &n); err != nil {
					return api.UpdateFields{}, errors.New("invalid deleted flag")
				}
				b = n != 0
			} else {
				b = ledger.Truthy(s)
			}
		}
		out.Deleted = &b
	}
	return out, nil
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Fields updateRequest `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	fields, err := req.Fields.fields()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	row, err := s.store.Update(r.Context(), userFrom(r.Context()), id, fields)
	if err != nil {
		s.storeError(w, r, "update", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "item": row})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.SoftDelete(r.Context(), userFrom(r.Context()), id); err != nil {
		s.storeError(w, r, "delete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	today := r.URL.Query().Get("today")
	if today == "" {
		today = time.Now().In(s.loc).Format("2006-01-02")
	}
	st, err := s.store.Stats(r.Context(), userFrom(r.Context()), today)
	if err != nil {
		s.storeError(w, r, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"day":   st.Day,
		"month": st.Month,
		"year":  st.Year,
		"today": st.Today,
		"ym":    st.YM,
		"y":     st.Y,
	})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": ledger.Categories})
}

// handleParse runs a message through the registry without committing it,
// so clients can preview what a text would record.
func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	var msg api.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	rec := s.registry.Parse(msg)
	if rec == nil {
		metrics.ParseTotal.WithLabelValues("none", "miss").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "item": nil})
		return
	}
	metrics.ParseTotal.WithLabelValues("registry", "hit").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "item": rec})
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ledger.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("ledger operation failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response in the {ok:false} envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

// countRequests records per-route request counts by status class.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := fmt.Sprintf("%dxx", ww.Status()/100)
		metrics.HTTPRequests.WithLabelValues(route, status).Inc()
	})
}

// corsMiddleware lets the static web app call the API from another origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-User-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
