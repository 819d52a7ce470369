package control

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dbehnke/dyntdm/internal/dynamic"
)

// StatsSource contributes a named section to GET /stats
type StatsSource struct {
	Name  string
	Stats func() any
}

// Handler serves the control API over HTTP+JSON
type Handler struct {
	svc     *Service
	sources []StatsSource
}

func NewHandler(svc *Service, sources ...StatsSource) *Handler {
	s := make([]StatsSource, len(sources))
	copy(s, sources)
	return &Handler{svc: svc, sources: s}
}

// Register adds the control routes to mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /spans", h.listSpans)
	mux.HandleFunc("POST /spans", h.createSpan)
	mux.HandleFunc("DELETE /spans", h.destroySpan)
	mux.HandleFunc("PUT /spans/timing", h.setTiming)
	mux.HandleFunc("GET /stats", h.stats)
}

type createRequest struct {
	Driver   string `json:"driver"`
	Address  string `json:"address"`
	Channels int    `json:"channels"`
	Timing   int    `json:"timing"`
}

type createResponse struct {
	Number int `json:"number"`
}

type timingRequest struct {
	Timing int `json:"timing"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) listSpans(w http.ResponseWriter, _ *http.Request) {
	spans := h.svc.List()
	if spans == nil {
		spans = []dynamic.SpanStats{}
	}
	writeJSON(w, http.StatusOK, spans)
}

func (h *Handler) createSpan(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad request body: " + err.Error()})
		return
	}

	n, err := h.svc.Create(dynamic.SpanSpec(req))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{Number: n})
}

func (h *Handler) destroySpan(w http.ResponseWriter, r *http.Request) {
	driver, address, ok := spanKey(w, r)
	if !ok {
		return
	}
	if err := h.svc.Destroy(driver, address); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setTiming(w http.ResponseWriter, r *http.Request) {
	driver, address, ok := spanKey(w, r)
	if !ok {
		return
	}
	var req timingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad request body: " + err.Error()})
		return
	}
	if err := h.svc.SetTiming(driver, address, req.Timing); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{"engine": h.svc.Stats()}
	for _, s := range h.sources {
		out[s.Name] = s.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

func spanKey(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	q := r.URL.Query()
	driver, address := q.Get("driver"), q.Get("address")
	if driver == "" || address == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "driver and address query parameters required"})
		return "", "", false
	}
	return driver, address, true
}

// statusFor maps engine errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, dynamic.ErrAlreadyExists), errors.Is(err, dynamic.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, dynamic.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, dynamic.ErrNoSuchDriver), errors.Is(err, dynamic.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dynamic.ErrOutOfMemory):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode"}`, http.StatusInternalServerError)
	}
}
