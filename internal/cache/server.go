package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/needlestack/needlestack/internal/store"
	"github.com/needlestack/needlestack/pkg/proto"
)

// Server exposes one cache shard over HTTP. On a read miss it fetches the
// photo from the store machine named in the request; on delete it drops the
// entry and forwards the delete to every replica's store machine.
type Server struct {
	cache        *Cache
	mux          *http.ServeMux
	storeTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*store.Client
}

// NewServer creates an HTTP server around a cache shard. If registry is
// non-nil, /metrics is served from it.
func NewServer(cache *Cache, storeTimeout time.Duration, registry *prometheus.Registry) *Server {
	s := &Server{
		cache:        cache,
		mux:          http.NewServeMux(),
		storeTimeout: storeTimeout,
		clients:      make(map[string]*store.Client),
	}

	s.mux.HandleFunc("/read", s.handleRead)
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

// storeClient returns a client for the given store base URL, reusing
// clients across requests.
func (s *Server) storeClient(baseURL string) *store.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[baseURL]
	if !ok {
		c = store.NewClient(baseURL, s.storeTimeout)
		s.clients[baseURL] = c
	}
	return c
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	photoID, err := strconv.ParseUint(r.URL.Query().Get("key"), 10, 64)
	if err != nil {
		s.jsonError(w, "key is required and must be an integer", http.StatusBadRequest)
		return
	}

	data, err := s.cache.Get(r.Context(), photoID)
	if err == nil {
		s.writeJSON(w, proto.PhotoResponse{Data: data})
		return
	}
	if !errors.Is(err, ErrNotCached) {
		log.Error().Err(err).Uint64("photo_id", photoID).Msg("cache backend read failed")
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Miss: fetch from the store machine the directory routed us to.
	machineURL := r.URL.Query().Get("machine_url")
	if machineURL == "" {
		s.jsonError(w, "machine_url is required on a cache miss", http.StatusBadRequest)
		return
	}
	phys, err := strconv.ParseUint(r.URL.Query().Get("physical_id"), 10, 32)
	if err != nil {
		s.jsonError(w, "physical_id is required and must be an integer", http.StatusBadRequest)
		return
	}

	s.cache.metrics.StoreFetches.Inc()
	data, err = s.storeClient(machineURL).Get(r.Context(), photoID, uint32(phys))
	if err != nil {
		log.Warn().Err(err).
			Uint64("photo_id", photoID).
			Str("machine_url", machineURL).
			Msg("store fetch failed")
		s.jsonError(w, err.Error(), http.StatusBadGateway)
		return
	}

	if err := s.cache.Fill(r.Context(), photoID, data); err != nil {
		log.Error().Err(err).Uint64("photo_id", photoID).Msg("cache fill failed")
	}
	s.writeJSON(w, proto.PhotoResponse{Data: data})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	photoID, err := strconv.ParseUint(r.URL.Query().Get("key"), 10, 64)
	if err != nil {
		s.jsonError(w, "key is required and must be an integer", http.StatusBadRequest)
		return
	}

	machineURLs := splitParam(r.URL.Query().Get("machine_urls"))
	physicalIDs, err := parseIDs(r.URL.Query().Get("physical_ids"))
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(machineURLs) == 0 || len(machineURLs) != len(physicalIDs) {
		s.jsonError(w, "machine_urls and physical_ids must name the same replicas", http.StatusBadRequest)
		return
	}

	// Drop the entry first so no reader can resurrect it from this shard
	// while the store deletes are in flight.
	if err := s.cache.Invalidate(r.Context(), photoID); err != nil {
		log.Error().Err(err).Uint64("photo_id", photoID).Msg("cache invalidate failed")
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	targetErrs := s.fanoutRemove(r.Context(), photoID, machineURLs, physicalIDs)
	if len(targetErrs) > 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(proto.FanoutErrorResponse{Errors: targetErrs})
		return
	}

	s.writeJSON(w, proto.StatusResponse{Message: "photo deleted successfully"})
}

// fanoutRemove tombstones the photo on every replica's store machine in
// parallel. Failures are collected, not retried; a replica that succeeded
// stays deleted even when a sibling fails.
func (s *Server) fanoutRemove(ctx context.Context, photoID uint64, machineURLs []string, physicalIDs []uint32) []proto.TargetError {
	s.cache.metrics.DeleteFanouts.Inc()

	var (
		mu   sync.Mutex
		errs []proto.TargetError
	)
	g, ctx := errgroup.WithContext(ctx)
	for i := range machineURLs {
		url, phys := machineURLs[i], physicalIDs[i]
		g.Go(func() error {
			if err := s.storeClient(url).Remove(ctx, photoID, phys); err != nil {
				mu.Lock()
				errs = append(errs, proto.TargetError{Target: url, Error: err.Error()})
				mu.Unlock()
				log.Warn().Err(err).
					Uint64("photo_id", photoID).
					Str("machine_url", url).
					Uint32("physical_id", phys).
					Msg("store delete failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func parseIDs(raw string) ([]uint32, error) {
	parts := splitParam(raw)
	ids := make([]uint32, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, errors.New("physical_ids must be a comma-separated list of integers")
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
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
