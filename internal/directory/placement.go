package directory

import (
	"fmt"
	"math/rand"

	"github.com/needlestack/needlestack/internal/feature"
	"github.com/needlestack/needlestack/pkg/proto"
)

// Placement regimes, used as metric labels.
const (
	regimeWarm         = "warm"          // nearest candidate's volume
	regimeWarmFallback = "warm_fallback" // candidates known but none write-enabled
	regimeCold         = "cold"          // bootstrap: random empty write-enabled volume
	regimeColdFallback = "cold_fallback" // bootstrap, but no empty volume left
)

// Place runs the placement algorithm for one new photo and records the
// resulting assignment. NearestPhotoIDs carries one candidate per queried
// directory shard; a nil entry marks a shard that had no usable data and
// forces the cold-start regime.
func (d *Directory) Place(req *proto.PlaceRequest) (*proto.PlaceResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	logical, regime, err := d.placeLocked(req.NearestPhotoIDs, req.Features, req.PhotoID)
	if err != nil {
		return nil, err
	}
	if d.metrics != nil {
		d.metrics.Placements.WithLabelValues(regime).Inc()
	}

	physicals, machines := d.replicaSetLocked(logical)
	return &proto.PlaceResponse{
		LogicalID:   logical,
		PhysicalIDs: physicals,
		MachineIDs:  machines,
	}, nil
}

// PlaceBatch places a fixed-size batch. Each member is placed
// independently by the same rule against its own per-shard candidate set,
// so later members can cluster onto volumes chosen for earlier ones.
func (d *Directory) PlaceBatch(req *proto.PlaceBatchRequest) (*proto.PlaceBatchResponse, error) {
	if len(req.NearestPhotoIDs) != len(req.Features) {
		return nil, fmt.Errorf("batch shape mismatch: %d candidate sets, %d vectors", len(req.NearestPhotoIDs), len(req.Features))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	resp := &proto.PlaceBatchResponse{
		LogicalIDs:  make([]uint32, len(req.Features)),
		PhysicalIDs: make([][]uint32, len(req.Features)),
		MachineIDs:  make([][]int, len(req.Features)),
	}
	for i := range req.Features {
		logical, regime, err := d.placeLocked(req.NearestPhotoIDs[i], req.Features[i], req.PhotoID+uint64(i))
		if err != nil {
			return nil, fmt.Errorf("batch member %d: %w", i, err)
		}
		if d.metrics != nil {
			d.metrics.Placements.WithLabelValues(regime).Inc()
		}
		physicals, machines := d.replicaSetLocked(logical)
		resp.LogicalIDs[i] = logical
		resp.PhysicalIDs[i] = physicals
		resp.MachineIDs[i] = machines
	}
	return resp, nil
}

// placeLocked implements the two-regime policy. Caller must hold the write
// lock.
func (d *Directory) placeLocked(candidates []*uint64, vec []float32, photoID uint64) (uint32, string, error) {
	writable := d.writeEnabledLocked()
	if len(writable) == 0 {
		return 0, "", ErrNoWriteVolumes
	}

	cold := false
	for _, c := range candidates {
		if c == nil {
			cold = true
			break
		}
	}

	var logical uint32
	var regime string

	switch {
	case !cold && len(candidates) > 0:
		// Warm regime: keep only candidates currently living in a
		// write-enabled volume, then cluster with the nearest of them.
		ids := make([]uint64, 0, len(candidates))
		vectors := make([][]float32, 0, len(candidates))
		for _, c := range candidates {
			vol, ok := d.photoToLogical[*c]
			if !ok || !d.writeEnabled[vol] {
				continue
			}
			cvec, ok := d.photoFeatures[*c]
			if !ok {
				continue
			}
			ids = append(ids, *c)
			vectors = append(vectors, cvec)
		}

		if len(ids) == 0 {
			logical = writable[rand.Intn(len(writable))]
			regime = regimeWarmFallback
		} else {
			idx, _, err := feature.Nearest(vec, vectors)
			if err != nil {
				return 0, "", err
			}
			logical = d.photoToLogical[ids[idx]]
			regime = regimeWarm
		}

	default:
		// Cold start: spread initial writes over volumes that hold nothing
		// yet, before similarity clustering has data to work with.
		empty := d.emptyWriteEnabledLocked(writable)
		if len(empty) > 0 {
			logical = empty[rand.Intn(len(empty))]
			regime = regimeCold
		} else {
			logical = writable[rand.Intn(len(writable))]
			regime = regimeColdFallback
		}
	}

	d.photoToLogical[photoID] = logical
	d.photoFeatures[photoID] = vec
	if photoID >= d.nextPhotoID {
		d.nextPhotoID = photoID + 1
	}
	return logical, regime, nil
}

// writeEnabledLocked lists the write-enabled logical volume ids.
func (d *Directory) writeEnabledLocked() []uint32 {
	out := make([]uint32, 0, len(d.writeEnabled))
	for id, enabled := range d.writeEnabled {
		if enabled {
			out = append(out, id)
		}
	}
	return out
}

// emptyWriteEnabledLocked filters writable down to volumes with no photo
// assignments at all.
func (d *Directory) emptyWriteEnabledLocked(writable []uint32) []uint32 {
	occupied := make(map[uint32]bool, len(d.photoToLogical))
	for _, vol := range d.photoToLogical {
		occupied[vol] = true
	}

	out := make([]uint32, 0, len(writable))
	for _, id := range writable {
		if !occupied[id] {
			out = append(out, id)
		}
	}
	return out
}
