package store

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/needlestack/needlestack/pkg/proto"
)

// Server exposes the store engine over HTTP.
type Server struct {
	store *Store
	mux   *http.ServeMux
}

// NewServer creates an HTTP server around the store. If registry is
// non-nil, /metrics is served from it.
func NewServer(store *Store, registry *prometheus.Registry) *Server {
	s := &Server{
		store: store,
		mux:   http.NewServeMux(),
	}

	s.mux.HandleFunc("/get", s.handleGet)
	s.mux.HandleFunc("/get_similar", s.handleGetSimilar)
	s.mux.HandleFunc("/write", s.handleWrite)
	s.mux.HandleFunc("/remove", s.handleRemove)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if registry != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler returns the HTTP handler with response compression applied.
func (s *Server) Handler() http.Handler {
	return gzhttp.GzipHandler(s.mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// needleParams extracts the photo id and physical volume id common to every
// store endpoint.
func needleParams(r *http.Request) (photoID uint64, physicalID uint32, err error) {
	photoID, err = strconv.ParseUint(r.URL.Query().Get("key"), 10, 64)
	if err != nil {
		return 0, 0, errors.New("key is required and must be an integer")
	}
	phys, err := strconv.ParseUint(r.URL.Query().Get("physical_id"), 10, 32)
	if err != nil {
		return 0, 0, errors.New("physical_id is required and must be an integer")
	}
	return photoID, uint32(phys), nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	photoID, physicalID, err := needleParams(r)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	payload, err := s.store.Read(physicalID, photoID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, proto.PhotoResponse{Data: payload})
}

func (s *Server) handleGetSimilar(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	photoID, physicalID, err := needleParams(r)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	numSimilar, err := strconv.Atoi(r.URL.Query().Get("num_of_similar"))
	if err != nil || numSimilar < 0 {
		s.jsonError(w, "num_of_similar is required and must be a non-negative integer", http.StatusBadRequest)
		return
	}

	actual, similar, err := s.store.ReadSimilar(physicalID, photoID, numSimilar)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, proto.SimilarResponse{Actual: actual, Similar: similar})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req proto.WriteNeedleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.store.Append(req.PhysicalID, req.PhotoID, req.PhotoData); err != nil {
		s.writeStoreError(w, err)
		return
	}

	log.Debug().
		Uint64("photo_id", req.PhotoID).
		Uint32("physical_id", req.PhysicalID).
		Uint32("logical_id", req.LogicalID).
		Int("bytes", len(req.PhotoData)).
		Msg("needle appended")

	s.writeJSON(w, proto.StatusResponse{Message: "photo written successfully"})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	photoID, physicalID, err := needleParams(r)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.SoftDelete(physicalID, photoID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	log.Debug().
		Uint64("photo_id", photoID).
		Uint32("physical_id", physicalID).
		Msg("needle tombstoned")

	s.writeJSON(w, proto.StatusResponse{Message: "photo marked as deleted"})
}

// writeStoreError maps store sentinel errors to HTTP status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrVolumeNotFound), errors.Is(err, ErrNeedleNotFound), errors.Is(err, ErrNeedleDeleted):
		s.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrPayloadTooLarge):
		s.jsonError(w, err.Error(), http.StatusRequestEntityTooLarge)
	default:
		log.Error().Err(err).Msg("store operation failed")
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(proto.ErrorResponse{Error: msg})
}
