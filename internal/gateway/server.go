package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/needlestack/needlestack/pkg/proto"
)

// Server exposes the public API over HTTP.
type Server struct {
	coord *Coordinator
	mux   *http.ServeMux
}

// NewServer creates the public HTTP server. If registry is non-nil,
// /metrics is served from it.
func NewServer(coord *Coordinator, registry *prometheus.Registry) *Server {
	s := &Server{
		coord: coord,
		mux:   http.NewServeMux(),
	}

	s.mux.HandleFunc("/read", s.handleRead)
	s.mux.HandleFunc("/read_similar", s.handleReadSimilar)
	s.mux.HandleFunc("/delete", s.handleDelete)
	s.mux.HandleFunc("/write", s.handleWrite)
	s.mux.HandleFunc("/write_batch", s.handleWriteBatch)
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

// requestLogger tags every log line of a request with a fresh request id.
func requestLogger(r *http.Request) zerolog.Logger {
	return log.With().
		Str("request_id", uuid.NewString()).
		Str("path", r.URL.Path).
		Logger()
}

func photoIDParam(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.URL.Query().Get("photo_id"), 10, 64)
	if err != nil {
		return 0, errors.New("photo_id is required and must be an integer")
	}
	return id, nil
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	photoID, err := photoIDParam(r)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	logger := requestLogger(r)
	data, err := s.coord.Read(r.Context(), photoID)
	if err != nil {
		logger.Warn().Err(err).Uint64("photo_id", photoID).Msg("read failed")
		s.writeCoordError(w, err)
		return
	}
	s.writeJSON(w, proto.PhotoResponse{Data: data})
}

func (s *Server) handleReadSimilar(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	photoID, err := photoIDParam(r)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	numSimilar, err := strconv.Atoi(r.URL.Query().Get("num_of_similar"))
	if err != nil || numSimilar < 0 {
		s.jsonError(w, "num_of_similar is required and must be a non-negative integer", http.StatusBadRequest)
		return
	}

	logger := requestLogger(r)
	similar, err := s.coord.ReadSimilar(r.Context(), photoID, numSimilar)
	if err != nil {
		logger.Warn().Err(err).Uint64("photo_id", photoID).Msg("similar read failed")
		s.writeCoordError(w, err)
		return
	}
	s.writeJSON(w, similar)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	photoID, err := photoIDParam(r)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	logger := requestLogger(r)
	if err := s.coord.Delete(r.Context(), photoID); err != nil {
		logger.Warn().Err(err).Uint64("photo_id", photoID).Msg("delete failed")
		s.writeCoordError(w, err)
		return
	}
	s.writeJSON(w, proto.StatusResponse{Message: "photo deleted successfully"})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req proto.FeatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.PhotoData) == 0 {
		s.jsonError(w, "photo_data is required", http.StatusBadRequest)
		return
	}

	logger := requestLogger(r)
	photoID, err := s.coord.Write(r.Context(), req.PhotoData)
	if err != nil {
		logger.Warn().Err(err).Msg("write failed")
		s.writeCoordError(w, err)
		return
	}
	logger.Info().Uint64("photo_id", photoID).Msg("photo written")
	s.writeJSON(w, proto.WriteAck{Message: "photo written successfully", PhotoID: photoID})
}

func (s *Server) handleWriteBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req proto.FeatureBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.PhotoData) == 0 {
		s.jsonError(w, "photo_data is required", http.StatusBadRequest)
		return
	}

	logger := requestLogger(r)
	firstID, err := s.coord.WriteBatch(r.Context(), req.PhotoData)
	if err != nil {
		logger.Warn().Err(err).Msg("batch write failed")
		s.writeCoordError(w, err)
		return
	}
	logger.Info().Uint64("first_photo_id", firstID).Msg("batch written")
	s.writeJSON(w, proto.WriteAck{Message: "photo written successfully", PhotoID: firstID})
}

// writeCoordError maps coordinator errors onto the public status codes. A
// partial failure is surfaced with the per-target breakdown so callers can
// tell which replicas kept their side effects; a status carried up from
// another tier passes through unchanged.
func (s *Server) writeCoordError(w http.ResponseWriter, err error) {
	var (
		pf *PartialFailure
		bs *BatchSizeError
		se *proto.StatusError
	)
	switch {
	case errors.As(err, &pf):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(proto.FanoutErrorResponse{Errors: pf.Failed})
	case errors.As(err, &bs):
		s.jsonError(w, bs.Error(), http.StatusBadRequest)
	case errors.As(err, &se):
		s.jsonError(w, se.Error(), se.Code)
	default:
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
