// Package store implements the append-only needle store engine: one log
// file per physical volume plus an in-memory offset index, with soft
// deletion and insertion-order adjacent reads.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/needlestack/needlestack/internal/needle"
)

// Store manages every physical volume hosted on this machine. Volume logs
// live under dataDir as v{physicalID}.log. Volumes are created lazily on
// first append; existing logs are reopened (and their indexes rebuilt) at
// startup.
type Store struct {
	dataDir    string
	maxPayload int64 // 0 = unlimited

	mu      sync.RWMutex
	volumes map[uint32]*Volume

	metrics *Metrics
}

// Open creates a Store rooted at dataDir, reopening any volume logs already
// present. If metrics is nil, metrics are not recorded.
func Open(dataDir string, maxPayload int64, metrics *Metrics) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{
		dataDir:    dataDir,
		maxPayload: maxPayload,
		volumes:    make(map[uint32]*Volume),
		metrics:    metrics,
	}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("scan data dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".log") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".log"), 10, 32)
		if err != nil {
			log.Warn().Str("file", name).Msg("skipping unrecognized file in data dir")
			continue
		}

		vol, err := openVolume(uint32(id), filepath.Join(dataDir, name))
		if err != nil {
			return nil, fmt.Errorf("reopen volume %d: %w", id, err)
		}
		s.volumes[uint32(id)] = vol
		log.Info().
			Uint32("volume", uint32(id)).
			Int("needles", vol.NeedleCount()).
			Int64("bytes", vol.Size()).
			Msg("volume index rebuilt")
	}

	if s.metrics != nil {
		s.metrics.VolumesOpen.Set(float64(len(s.volumes)))
	}
	return s, nil
}

// DataDir returns the store's data directory.
func (s *Store) DataDir() string {
	return s.dataDir
}

// volume returns the open volume for physicalID or ErrVolumeNotFound.
func (s *Store) volume(physicalID uint32) (*Volume, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.volumes[physicalID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrVolumeNotFound, physicalID)
	}
	return v, nil
}

// ensureVolume returns the volume for physicalID, creating its log file if
// this is the first append to it.
func (s *Store) ensureVolume(physicalID uint32) (*Volume, error) {
	s.mu.RLock()
	v, ok := s.volumes[physicalID]
	s.mu.RUnlock()
	if ok {
		return v, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.volumes[physicalID]; ok {
		return v, nil
	}

	v, err := openVolume(physicalID, filepath.Join(s.dataDir, fmt.Sprintf("v%d.log", physicalID)))
	if err != nil {
		return nil, err
	}
	s.volumes[physicalID] = v
	if s.metrics != nil {
		s.metrics.VolumesOpen.Set(float64(len(s.volumes)))
	}
	return v, nil
}

// Append stores a new active needle in the given physical volume.
func (s *Store) Append(physicalID uint32, photoID uint64, payload []byte) error {
	if s.maxPayload > 0 && int64(len(payload)) > s.maxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	v, err := s.ensureVolume(physicalID)
	if err != nil {
		return err
	}

	n := &needle.Needle{PhotoID: photoID, Flags: needle.FlagActive, Payload: payload}
	if err := v.Append(n); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.Appends.Inc()
		s.metrics.BytesAppended.Add(float64(len(payload)))
	}
	return nil
}

// Read returns the payload for photoID in the given physical volume.
func (s *Store) Read(physicalID uint32, photoID uint64) ([]byte, error) {
	v, err := s.volume(physicalID)
	if err != nil {
		return nil, err
	}

	payload, err := v.Read(photoID)
	if err == nil && s.metrics != nil {
		s.metrics.Reads.Inc()
		s.metrics.BytesRead.Add(float64(len(payload)))
	}
	return payload, err
}

// SoftDelete tombstones photoID in the given physical volume. The needle's
// bytes stay in the log; only the flag changes, in place.
func (s *Store) SoftDelete(physicalID uint32, photoID uint64) error {
	v, err := s.volume(physicalID)
	if err != nil {
		return err
	}

	if err := v.SoftDelete(photoID); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.Deletes.Inc()
	}
	return nil
}

// AdjacentIDs returns up to n ids written around photoID in the volume, in
// outward-expanding insertion order.
func (s *Store) AdjacentIDs(physicalID uint32, photoID uint64, n int) ([]uint64, error) {
	v, err := s.volume(physicalID)
	if err != nil {
		return nil, err
	}
	return v.AdjacentIDs(photoID, n)
}

// ReadSimilar returns photoID's payload plus the payloads of up to n
// non-tombstoned needles written around it.
func (s *Store) ReadSimilar(physicalID uint32, photoID uint64, n int) ([]byte, [][]byte, error) {
	v, err := s.volume(physicalID)
	if err != nil {
		return nil, nil, err
	}

	actual, similar, err := v.ReadSimilar(photoID, n)
	if err == nil && s.metrics != nil {
		s.metrics.SimilarReads.Inc()
	}
	return actual, similar, err
}

// Close closes every open volume log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id, v := range s.volumes {
		if err := v.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close volume %d: %w", id, err)
		}
	}
	s.volumes = make(map[uint32]*Volume)
	return firstErr
}
