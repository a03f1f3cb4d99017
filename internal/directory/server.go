package directory

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

// Server exposes one directory replica over HTTP.
type Server struct {
	dir       *Directory
	batchSize int
	mux       *http.ServeMux
}

// NewServer creates an HTTP server around a directory replica. batchSize
// is the fixed batch size every _batch endpoint expects. If registry is
// non-nil, /metrics is served from it.
func NewServer(dir *Directory, batchSize int, registry *prometheus.Registry) *Server {
	s := &Server{
		dir:       dir,
		batchSize: batchSize,
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("/read", s.handleRead)
	s.mux.HandleFunc("/delete", s.handleDelete)
	s.mux.HandleFunc("/get_features_along_other_details", s.handleFeatures)
	s.mux.HandleFunc("/get_features_along_other_details_batch", s.handleFeaturesBatch)
	s.mux.HandleFunc("/compute_nearest", s.handleNearest)
	s.mux.HandleFunc("/compute_nearest_batch", s.handleNearestBatch)
	s.mux.HandleFunc("/write_combined", s.handlePlace)
	s.mux.HandleFunc("/write_combined_batch", s.handlePlaceBatch)
	s.mux.HandleFunc("/update_volume", s.handleSync)
	s.mux.HandleFunc("/update_volume_batch", s.handleSyncBatch)
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

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	photoID, err := strconv.ParseUint(r.URL.Query().Get("photo_id"), 10, 64)
	if err != nil {
		s.jsonError(w, "photo_id is required and must be an integer", http.StatusBadRequest)
		return
	}

	route, err := s.dir.RouteForRead(photoID)
	if err != nil {
		s.writeDirError(w, err)
		return
	}

	if m := s.dir.metrics; m != nil {
		m.ReadRoutes.Inc()
	}
	s.writeJSON(w, route)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	photoID, err := strconv.ParseUint(r.URL.Query().Get("photo_id"), 10, 64)
	if err != nil {
		s.jsonError(w, "photo_id is required and must be an integer", http.StatusBadRequest)
		return
	}

	route, err := s.dir.RouteForDelete(photoID)
	if err != nil {
		s.writeDirError(w, err)
		return
	}

	log.Debug().Uint64("photo_id", photoID).Uint32("logical_id", route.LogicalID).Msg("mapping removed for delete")
	if m := s.dir.metrics; m != nil {
		m.DeleteRoutes.Inc()
		m.PhotosTracked.Set(float64(s.dir.PhotoCount()))
	}
	s.writeJSON(w, route)
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	var req proto.FeatureRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	if len(req.PhotoData) == 0 {
		s.jsonError(w, "photo_data is required", http.StatusBadRequest)
		return
	}

	resp, err := s.dir.RecordFeatures(r.Context(), req.PhotoData)
	if err != nil {
		s.writeDirError(w, err)
		return
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleFeaturesBatch(w http.ResponseWriter, r *http.Request) {
	var req proto.FeatureBatchRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	if len(req.PhotoData) != s.batchSize {
		s.jsonError(w, "photo_data must contain exactly "+strconv.Itoa(s.batchSize)+" photos", http.StatusBadRequest)
		return
	}

	resp, err := s.dir.RecordFeaturesBatch(r.Context(), req.PhotoData)
	if err != nil {
		s.writeDirError(w, err)
		return
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request) {
	var req proto.NearestRequest
	if !s.decodePost(w, r, &req) {
		return
	}

	winner, err := s.dir.Nearest(&req)
	if err != nil {
		s.writeDirError(w, err)
		return
	}

	if m := s.dir.metrics; m != nil {
		m.NearestCalls.Inc()
	}
	s.writeJSON(w, proto.NearestResponse{NearestPhotoID: winner})
}

func (s *Server) handleNearestBatch(w http.ResponseWriter, r *http.Request) {
	var req proto.NearestBatchRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	if len(req.Features) != s.batchSize {
		s.jsonError(w, "features must contain exactly "+strconv.Itoa(s.batchSize)+" vectors", http.StatusBadRequest)
		return
	}

	winners, err := s.dir.NearestBatch(&req)
	if err != nil {
		s.writeDirError(w, err)
		return
	}

	if m := s.dir.metrics; m != nil {
		m.NearestCalls.Add(float64(s.batchSize))
	}
	s.writeJSON(w, proto.NearestBatchResponse{NearestPhotoIDs: winners})
}

func (s *Server) handlePlace(w http.ResponseWriter, r *http.Request) {
	var req proto.PlaceRequest
	if !s.decodePost(w, r, &req) {
		return
	}

	resp, err := s.dir.Place(&req)
	if err != nil {
		s.writeDirError(w, err)
		return
	}

	log.Debug().
		Uint64("photo_id", req.PhotoID).
		Uint32("logical_id", resp.LogicalID).
		Msg("photo placed")
	if m := s.dir.metrics; m != nil {
		m.PhotosTracked.Set(float64(s.dir.PhotoCount()))
	}
	s.writeJSON(w, resp)
}

func (s *Server) handlePlaceBatch(w http.ResponseWriter, r *http.Request) {
	var req proto.PlaceBatchRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	if len(req.Features) != s.batchSize {
		s.jsonError(w, "features must contain exactly "+strconv.Itoa(s.batchSize)+" vectors", http.StatusBadRequest)
		return
	}

	resp, err := s.dir.PlaceBatch(&req)
	if err != nil {
		s.writeDirError(w, err)
		return
	}

	if m := s.dir.metrics; m != nil {
		m.PhotosTracked.Set(float64(s.dir.PhotoCount()))
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req proto.SyncRequest
	if !s.decodePost(w, r, &req) {
		return
	}

	if err := s.dir.SyncVolumeAssignment(req.PhotoID, req.LogicalID, req.Features); err != nil {
		s.writeDirError(w, err)
		return
	}

	if m := s.dir.metrics; m != nil {
		m.SyncsApplied.Inc()
		m.PhotosTracked.Set(float64(s.dir.PhotoCount()))
	}
	s.writeJSON(w, proto.StatusResponse{Message: "mapping added successfully"})
}

func (s *Server) handleSyncBatch(w http.ResponseWriter, r *http.Request) {
	var req proto.SyncBatchRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	if len(req.LogicalIDs) != s.batchSize || len(req.Features) != s.batchSize {
		s.jsonError(w, "batch must contain exactly "+strconv.Itoa(s.batchSize)+" assignments", http.StatusBadRequest)
		return
	}

	for i := 0; i < s.batchSize; i++ {
		if err := s.dir.SyncVolumeAssignment(req.PhotoID+uint64(i), req.LogicalIDs[i], req.Features[i]); err != nil {
			s.writeDirError(w, err)
			return
		}
	}

	if m := s.dir.metrics; m != nil {
		m.SyncsApplied.Add(float64(s.batchSize))
		m.PhotosTracked.Set(float64(s.dir.PhotoCount()))
	}
	s.writeJSON(w, proto.StatusResponse{Message: "mapping added successfully"})
}

// decodePost enforces POST with a JSON body and decodes it into req.
func (s *Server) decodePost(w http.ResponseWriter, r *http.Request, req any) bool {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// writeDirError maps directory sentinel errors to HTTP status codes.
func (s *Server) writeDirError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrPhotoNotFound), errors.Is(err, ErrUnknownVolume):
		s.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrNoWriteVolumes):
		s.jsonError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		log.Error().Err(err).Msg("directory operation failed")
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
