// Package api serves the rail map over HTTP: static route data, the style
// table and interactive map sessions driven by pointer events.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/paulmach/orb"

	"github.com/akl-rail-map/railmap/internal/mapview"
	"github.com/akl-rail-map/railmap/internal/render"
	"github.com/akl-rail-map/railmap/internal/style"
	"github.com/akl-rail-map/railmap/internal/visibility"
)

// ErrorResponse is the JSON error response structure
type ErrorResponse struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// Handler serves the map API.
type Handler struct {
	catalog  *Catalog
	sessions *SessionManager
	styles   *style.Table
	keyProp  string
	validate *validator.Validate
}

// NewHandler creates a handler over a loaded catalog.
func NewHandler(catalog *Catalog, sessions *SessionManager, styles *style.Table, keyProperty string) *Handler {
	if styles == nil {
		styles = style.Default()
	}
	return &Handler{
		catalog:  catalog,
		sessions: sessions,
		styles:   styles,
		keyProp:  keyProperty,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// DatasetSummary describes one loaded dataset in the health response.
type DatasetSummary struct {
	Name     visibility.Dataset `json:"name"`
	Routes   int                `json:"routes"`
	RunID    string             `json:"runId,omitempty"`
	Cached   bool               `json:"cached"`
	LoadedAt time.Time          `json:"loadedAt"`
}

// HealthResponse is the JSON response for GET /health
type HealthResponse struct {
	Status    string           `json:"status"`
	Datasets  []DatasetSummary `json:"datasets"`
	Stations  int              `json:"stations"`
	Sessions  int              `json:"sessions"`
	Timestamp time.Time        `json:"timestamp"`
}

// Health handles GET /health
// Reports unavailable until at least one dataset has loaded
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Datasets:  []DatasetSummary{},
		Sessions:  h.sessions.Len(),
		Timestamp: time.Now().UTC(),
	}
	for _, name := range h.catalog.Loaded() {
		d, _ := h.catalog.Dataset(name)
		resp.Datasets = append(resp.Datasets, DatasetSummary{
			Name:     name,
			Routes:   len(d.Features.Features),
			RunID:    d.RunID,
			Cached:   d.Cached,
			LoadedAt: d.LoadedAt,
		})
	}
	if fc := h.catalog.Stations(); fc != nil {
		resp.Stations = len(fc.Features)
	}

	status := http.StatusOK
	if len(resp.Datasets) == 0 {
		resp.Status = "error"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// StylesResponse is the JSON response for GET /api/styles
type StylesResponse struct {
	Routes      []style.RouteStyle `json:"routes"`
	ColorExpr   []any              `json:"colorExpression"`
	OffsetExpr  []any              `json:"offsetExpression,omitempty"`
	KeyProperty string             `json:"keyProperty"`
}

// GetStyles handles GET /api/styles
func (h *Handler) GetStyles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StylesResponse{
		Routes:      h.styles.Routes(),
		ColorExpr:   h.styles.ColorExpression(h.keyProp),
		OffsetExpr:  h.styles.OffsetExpression(h.keyProp),
		KeyProperty: h.keyProp,
	})
}

// GetDataset handles GET /api/datasets/{dataset}
// Returns the dissolved FeatureCollection
func (h *Handler) GetDataset(w http.ResponseWriter, r *http.Request) {
	name, err := visibility.ParseDataset(chi.URLParam(r, "dataset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unknown dataset", err)
		return
	}
	d, ok := h.catalog.Dataset(name)
	if !ok {
		writeError(w, http.StatusNotFound, "Dataset not loaded", nil)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("ETag", `"`+d.Checksum+`"`)
	writeJSON(w, http.StatusOK, d.Features)
}

// GetStations handles GET /api/stations
func (h *Handler) GetStations(w http.ResponseWriter, r *http.Request) {
	fc := h.catalog.Stations()
	if fc == nil {
		writeError(w, http.StatusNotFound, "Stations not loaded", nil)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, fc)
}

// CreateSessionRequest is the optional body of POST /api/sessions
type CreateSessionRequest struct {
	Camera *CameraRequest `json:"camera,omitempty"`
}

// CameraRequest positions a session's viewport.
type CameraRequest struct {
	Center [2]float64 `json:"center"`
	Zoom   float64    `json:"zoom" validate:"gte=0,lte=24"`
	Width  float64    `json:"width" validate:"gt=0"`
	Height float64    `json:"height" validate:"gt=0"`
}

func (c CameraRequest) camera() render.Camera {
	return render.Camera{Center: orb.Point(c.Center), Zoom: c.Zoom, Width: c.Width, Height: c.Height}
}

// CreateSession handles POST /api/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	camera := render.DefaultCamera()
	if req.Camera != nil {
		if err := h.validate.Struct(req.Camera); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid camera", err)
			return
		}
		camera = req.Camera.camera()
	}

	session, _, err := h.sessions.Create(r.Context(), camera)
	if err != nil {
		log.Printf("Warning: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to create session", err)
		return
	}
	writeJSON(w, http.StatusCreated, session.Snapshot())
}

// GetSession handles GET /api/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, _, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

// PointerRequest is the body of POST /api/sessions/{id}/pointer
type PointerRequest struct {
	Type string  `json:"type" validate:"required,oneof=move leave click"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Seq  uint64  `json:"seq"`
}

// Pointer handles POST /api/sessions/{id}/pointer
// Events with a sequence number not above the last one are rejected
func (h *Handler) Pointer(w http.ResponseWriter, r *http.Request) {
	session, surface, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req PointerRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid pointer event", err)
		return
	}
	point := orb.Point{req.X, req.Y}
	admitted := session.Pointer(req.Seq, func() {
		switch req.Type {
		case "move":
			surface.PointerMove(point)
		case "leave":
			surface.PointerOut()
		case "click":
			surface.Click(point)
		}
	})
	if !admitted {
		writeError(w, http.StatusConflict, "Stale pointer event", nil)
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

// ToggleRequest is the body of POST /api/sessions/{id}/toggles
// Either Family with Visible, or Dataset
type ToggleRequest struct {
	Family  string `json:"family,omitempty" validate:"required_without=Dataset,excluded_with=Dataset"`
	Visible *bool  `json:"visible,omitempty" validate:"required_with=Family"`
	Dataset string `json:"dataset,omitempty" validate:"omitempty,oneof=primary alternate"`
}

// Toggle handles POST /api/sessions/{id}/toggles
func (h *Handler) Toggle(w http.ResponseWriter, r *http.Request) {
	session, _, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req ToggleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid toggle", err)
		return
	}

	var err error
	if req.Dataset != "" {
		err = session.SelectDataset(visibility.Dataset(req.Dataset))
	} else {
		err = session.SetFamilyVisible(req.Family, *req.Visible)
	}
	switch {
	case errors.Is(err, visibility.ErrUnknownFamily), errors.Is(err, visibility.ErrUnknownDataset):
		writeError(w, http.StatusBadRequest, "Unknown toggle", err)
		return
	case errors.Is(err, mapview.ErrClosed):
		writeError(w, http.StatusGone, "Session closed", err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to apply toggle", err)
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

// SetCamera handles PUT /api/sessions/{id}/camera
func (h *Handler) SetCamera(w http.ResponseWriter, r *http.Request) {
	session, surface, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req CameraRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid camera", err)
		return
	}

	surface.SetCamera(req.camera())
	session.Touch()
	writeJSON(w, http.StatusOK, surface.Camera())
}

// DeleteSession handles DELETE /api/sessions/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, "Session not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*mapview.Session, *render.Memory, bool) {
	session, surface, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found", nil)
		return nil, nil, false
	}
	return session, surface, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Warning: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = map[string]any{"internal": err.Error()}
	}
	writeJSON(w, status, resp)
}
