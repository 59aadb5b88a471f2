package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/radiusdt/leadpulse/internal/analytics"
	"github.com/radiusdt/leadpulse/internal/config"
	"github.com/radiusdt/leadpulse/internal/metrics"
	"github.com/radiusdt/leadpulse/internal/middleware"
	"github.com/radiusdt/leadpulse/internal/models"
	"github.com/radiusdt/leadpulse/internal/reporting"
	"github.com/radiusdt/leadpulse/internal/storage"
	"github.com/radiusdt/leadpulse/internal/tracking"
	"go.uber.org/zap"
)

// Request body limits.
const (
	maxTrackBody = 64 << 10
	maxAssetBody = 16 << 10
)

// OwnerHeader names the owner when auth is disabled, for local development.
const OwnerHeader = "X-Owner-ID"

// HealthCheck reports whether a backend is reachable.
type HealthCheck func(ctx context.Context) error

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	Tracking  *tracking.Service
	Reporting *reporting.Service
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Health    map[string]HealthCheck
}

// Server wraps HTTP handlers around the tracking and reporting services.
type Server struct {
	tracking  *tracking.Service
	reporting *reporting.Service
	health    map[string]HealthCheck
	config    *config.Config
	logger    *zap.Logger
}

// NewServer constructs a new http.Handler with all routes registered.
func NewServer(deps *Dependencies) http.Handler {
	s := &Server{
		tracking:  deps.Tracking,
		reporting: deps.Reporting,
		health:    deps.Health,
		config:    deps.Config,
		logger:    deps.Logger,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	if deps.Config.Metrics.Enabled && deps.Metrics != nil {
		mux.Handle("GET "+deps.Config.Metrics.Path, deps.Metrics.Handler())
	}

	// Tracking
	mux.HandleFunc("POST /track", s.handleTrack)

	// Dashboard
	mux.HandleFunc("GET /analytics", s.handleAnalytics)
	mux.HandleFunc("POST /analytics/rebuild", s.handleRebuild)
	mux.HandleFunc("PUT /assets/{id}", s.handleUpsertAsset)
	mux.HandleFunc("DELETE /assets/{id}", s.handleDeleteAsset)

	return mux
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	for name, check := range s.health {
		if err := check(ctx); err != nil {
			s.logger.Warn("health check failed", zap.String("backend", name), zap.Error(err))
			status[name] = "unavailable"
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// ---- Tracking ----

type trackResponse struct {
	Success       bool                  `json:"success"`
	TrackingEvent *models.TrackingEvent `json:"trackingEvent"`
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var p tracking.Payload
	if !s.decode(w, r, maxTrackBody, &p) {
		return
	}

	req := p.Request()
	req.ClientIP = middleware.ClientIP(r)
	req.VisitorID = s.visitorID(w, r, req.VisitorID)

	res, err := s.tracking.Ingest(r.Context(), req)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	s.jsonResponse(w, trackResponse{Success: true, TrackingEvent: res.Event})
}

// visitorID prefers the submitted id, then the cookie, then mints one. The
// cookie is (re)issued whenever the request did not carry it.
func (s *Server) visitorID(w http.ResponseWriter, r *http.Request, submitted string) string {
	name := s.config.Tracking.VisitorCookie
	id := submitted
	cookie, err := r.Cookie(name)
	if id == "" && err == nil {
		id = cookie.Value
	}
	if id == "" {
		id = uuid.New().String()
	}
	if err != nil || cookie.Value != id {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    id,
			Path:     "/",
			MaxAge:   int(s.config.Tracking.VisitorCookieTTL.Seconds()),
			SameSite: http.SameSiteLaxMode,
			Secure:   s.config.IsProduction(),
		})
	}
	return id
}

// ---- Dashboard ----

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	assetID := q.Get("assetId")
	if assetID == "" {
		assetID = q.Get("leadMagnetId")
	}

	report, err := s.reporting.GetAnalytics(r.Context(), owner, assetID, analytics.ParsePeriod(q.Get("period")))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, report)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	assetID := r.URL.Query().Get("assetId")
	if assetID == "" {
		s.errorResponse(w, "assetId is required", http.StatusBadRequest)
		return
	}

	rec, err := s.reporting.Rebuild(r.Context(), owner, assetID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, rec)
}

type assetRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func (s *Server) handleUpsertAsset(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	var body assetRequest
	if !s.decode(w, r, maxAssetBody, &body) {
		return
	}

	asset, err := s.reporting.UpsertAsset(r.Context(), owner, r.PathValue("id"), body.Name, body.Type)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, asset)
}

func (s *Server) handleDeleteAsset(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	if err := s.reporting.DeleteAsset(r.Context(), owner, r.PathValue("id")); err != nil {
		s.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a JSON body of at most limit bytes into v, writing 413 or 400
// when it cannot.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.errorResponse(w, "request body too large", http.StatusRequestEntityTooLarge)
		return false
	}
	s.errorResponse(w, "invalid json", http.StatusBadRequest)
	return false
}

// owner resolves the authenticated owner, writing 401 when there is none.
func (s *Server) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	if id, ok := middleware.OwnerID(r.Context()); ok {
		return id, true
	}
	if !s.config.Auth.Enabled {
		if id := r.Header.Get(OwnerHeader); id != "" {
			return id, true
		}
	}
	s.errorResponse(w, "unauthorized", http.StatusUnauthorized)
	return "", false
}

// ---- Helper Methods ----

func (s *Server) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracking.ErrValidation), errors.Is(err, reporting.ErrInvalidAsset):
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrNotFound):
		s.errorResponse(w, "not found", http.StatusNotFound)
	case storage.IsTransient(err):
		w.Header().Set("Retry-After", "1")
		s.errorResponse(w, "temporarily unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
