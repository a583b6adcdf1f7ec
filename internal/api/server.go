// Package api exposes the delivery engine over HTTP: event ingestion,
// record queries, cancellation and aggregate stats.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/formwarden/formwarden/internal/engine"
	"github.com/formwarden/formwarden/internal/event"
	"github.com/formwarden/formwarden/internal/logging"
	"github.com/formwarden/formwarden/internal/track"
)

// Server holds the HTTP handlers for the engine surface.
type Server struct {
	engine *engine.Engine
	log    *logging.Logger
}

// NewServer builds the API server around one engine instance.
func NewServer(eng *engine.Engine, log *logging.Logger) *Server {
	if log == nil {
		log = logging.New("formwarden-api")
	}
	return &Server{engine: eng, log: log}
}

// Register installs the API routes on the router.
func (s *Server) Register(r *httprouter.Router) {
	r.POST("/v1/events", s.handleIngest)
	r.GET("/v1/records", s.handleQueryRecords)
	r.GET("/v1/records/:id", s.handleGetRecord)
	r.POST("/v1/records/:id/cancel", s.handleCancelRecord)
	r.GET("/v1/stats", s.handleStats)
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var ev event.Event
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "malformed event body")
		return
	}

	res, err := s.engine.Ingest(r.Context(), &ev)
	if err != nil {
		if errors.Is(err, engine.ErrStoreUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	code := http.StatusAccepted
	if res.Duplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	rec, err := s.engine.Tracker().Get(r.Context(), ps.ByName("id"))
	if err != nil {
		if errors.Is(err, track.ErrNotFound) {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "record lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancelRecord(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, track.ErrNotFound) {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		// Already terminal is a conflict, not a server fault.
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelled"})
}

func (s *Server) handleQueryRecords(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	f, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := s.engine.Tracker().Query(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if recs == nil {
		recs = []*track.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs, "count": len(recs)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snap, err := s.engine.Tracker().Metrics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats computation failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func filterFromQuery(r *http.Request) (track.Filter, error) {
	q := r.URL.Query()
	f := track.Filter{
		EventID:     q.Get("event_id"),
		RecipientID: q.Get("recipient_id"),
		Channel:     q.Get("channel"),
		State:       track.State(q.Get("state")),
		Limit:       100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return track.Filter{}, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return track.Filter{}, errors.New("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return track.Filter{}, errors.New("from must be RFC3339")
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return track.Filter{}, errors.New("to must be RFC3339")
		}
		f.To = t
	}
	return f, nil
}
