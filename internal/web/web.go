// Package web exposes the view-model engine to the rendering layer over
// HTTP: snapshot endpoints and input sinks for the cursor state, plus a
// server-sent-events stream carrying each new grid snapshot.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gridcal/internal/config"
	"gridcal/internal/engine"
	appLog "gridcal/internal/log"
	"gridcal/internal/metrics"
)

const dateLayout = "2006-01-02"

// Server serves the view-model API.
type Server struct {
	cfg    *config.Config
	engine *engine.Engine
	router chi.Router
}

// NewServer constructs a Server around eng.
func NewServer(cfg *config.Config, eng *engine.Engine) *Server {
	s := &Server{
		cfg:    cfg,
		engine: eng,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logRequests)
	r.Use(metrics.Middleware())
	if s.basicAuthEnabled() {
		r.Use(s.basicAuthMiddleware)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.Handler().ServeHTTP(w, r)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/grid", s.handleGrid)
		r.Get("/weekdays", s.handleWeekDays)
		r.Get("/weeknumbers", s.handleWeekNumbers)
		r.Get("/calendars", s.handleCalendars)
		r.Get("/stream", s.handleStream)
		r.Post("/reference-date", s.handleSetReferenceDate)
		r.Post("/hover", s.handleSetHover)
		r.Post("/enabled", s.handleSetEnabled)
	})

	s.router = r
	return s
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve runs the HTTP server until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password counts as disabled.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware protects all endpoints except /health.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="gridcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// logRequests emits one debug line per completed request.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// gridResponse is the JSON shape for /api/grid.
type gridResponse struct {
	ReferenceDate string           `json:"reference_date"`
	Cells         []engine.DayCell `json:"cells"`
}

func (s *Server) handleGrid(w http.ResponseWriter, _ *http.Request) {
	refDate, cells := s.engine.Grid()
	writeJSON(w, http.StatusOK, gridResponse{
		ReferenceDate: refDate.Format(dateLayout),
		Cells:         cells,
	})
}

func (s *Server) handleWeekDays(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.WeekDaySnapshot())
}

func (s *Server) handleWeekNumbers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.WeekNumberSnapshot())
}

func (s *Server) handleCalendars(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Calendars())
}

// dateRequest is the body of the reference-date and hover sinks. A null
// or missing date on /api/hover clears the hover cursor.
type dateRequest struct {
	Date *string `json:"date"`
}

func (s *Server) handleSetReferenceDate(w http.ResponseWriter, r *http.Request) {
	var req dateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Date == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"date\": \"YYYY-MM-DD\"}")
		return
	}
	// The posted value is a calendar date, not an instant: interpret it
	// in the engine's display zone so west-of-UTC zones do not shift it
	// onto the previous day.
	d, err := time.ParseInLocation(dateLayout, *req.Date, s.engine.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid date %q", *req.Date))
		return
	}
	s.engine.SetReferenceDate(d)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetHover(w http.ResponseWriter, r *http.Request) {
	var req dateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Date == nil {
		s.engine.SetHoveredDate(nil)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	d, err := time.ParseInLocation(dateLayout, *req.Date, s.engine.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid date %q", *req.Date))
		return
	}
	s.engine.SetHoveredDate(&d)
	w.WriteHeader(http.StatusNoContent)
}

// enabledRequest is the body of the enabled-calendars sink. A null list
// means all calendars; an empty list means none.
type enabledRequest struct {
	Calendars []string `json:"calendars"`
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.engine.SetEnabledCalendars(req.Calendars)
	w.WriteHeader(http.StatusNoContent)
}

// handleStream pushes grid snapshots as server-sent events. The client
// receives the current snapshot immediately, then one event per engine
// emission. A consumer that falls behind skips intermediate snapshots
// rather than blocking the engine.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates := make(chan gridResponse, 1)
	// The reference date is read inside the publish callback, while the
	// engine still holds its emission lock, so it always matches the
	// cells it accompanies.
	sub := s.engine.Cells().Subscribe(func(cells []engine.DayCell) {
		resp := gridResponse{
			ReferenceDate: s.engine.ReferenceDate().Format(dateLayout),
			Cells:         cells,
		}
		select {
		case updates <- resp:
		default:
			// Replace the queued snapshot with the newer one.
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- resp:
			default:
			}
		}
	})
	defer sub.Cancel()

	send := func(resp gridResponse) bool {
		data, err := json.Marshal(resp)
		if err != nil {
			appLog.Error("failed to marshal grid snapshot", err)
			return false
		}
		if _, err := fmt.Fprintf(w, "event: grid\ndata: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	refDate, cells := s.engine.Grid()
	if !send(gridResponse{ReferenceDate: refDate.Format(dateLayout), Cells: cells}) {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case resp := <-updates:
			if !send(resp) {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
