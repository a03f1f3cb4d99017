// Package directory implements the authoritative mapping from photo
// identity to physical placement: logical/physical volume topology, the
// write-enabled set, per-photo feature vectors, and the content-similarity
// placement algorithm.
//
// Each directory replica owns an independent copy of the mapping state.
// Replicas converge through best-effort sync messages, not consensus; the
// mapping is eventually consistent by design.
package directory

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/needlestack/needlestack/internal/feature"
	"github.com/needlestack/needlestack/pkg/proto"
)

// Directory error types.
var (
	ErrPhotoNotFound  = errors.New("photo not found")
	ErrUnknownVolume  = errors.New("unknown logical volume")
	ErrNoWriteVolumes = errors.New("no write-enabled logical volumes")
)

// Topology describes the static volume layout. Replicas of a logical
// volume are spread over distinct machines by construction: physical
// volume i belongs to logical volume i/replicas and machine i%machines.
type Topology struct {
	LogicalVolumes    int
	ReplicasPerVolume int
	Machines          int
	CacheShards       int
}

// Directory is one directory replica.
type Directory struct {
	topo      Topology
	extractor feature.Extractor
	metrics   *Metrics

	mu                sync.RWMutex
	logicalToPhysical map[uint32][]uint32
	physicalToMachine map[uint32]int
	writeEnabled      map[uint32]bool
	photoToLogical    map[uint64]uint32
	photoFeatures     map[uint64][]float32
	nextPhotoID       uint64
}

// New creates a directory replica with the static topology fully laid out
// and every logical volume write-enabled. If metrics is nil, metrics are
// not recorded.
func New(topo Topology, extractor feature.Extractor, metrics *Metrics) *Directory {
	d := &Directory{
		topo:              topo,
		extractor:         extractor,
		metrics:           metrics,
		logicalToPhysical: make(map[uint32][]uint32),
		physicalToMachine: make(map[uint32]int),
		writeEnabled:      make(map[uint32]bool),
		photoToLogical:    make(map[uint64]uint32),
		photoFeatures:     make(map[uint64][]float32),
	}

	physicalCount := topo.LogicalVolumes * topo.ReplicasPerVolume
	for i := 0; i < physicalCount; i++ {
		physical := uint32(i)
		logical := uint32(i / topo.ReplicasPerVolume)
		d.logicalToPhysical[logical] = append(d.logicalToPhysical[logical], physical)
		d.physicalToMachine[physical] = i % topo.Machines
	}
	for l := 0; l < topo.LogicalVolumes; l++ {
		d.writeEnabled[uint32(l)] = true
	}
	return d
}

// cacheShard maps a photo id to its cache shard.
func (d *Directory) cacheShard(photoID uint64) int {
	return int(photoID % uint64(d.topo.CacheShards))
}

// RouteForRead resolves read routing for a photo: its logical volume, one
// replica chosen uniformly at random to spread read load, the cache shard,
// and the machine hosting the chosen replica.
func (d *Directory) RouteForRead(photoID uint64) (*proto.ReadRoute, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	logical, ok := d.photoToLogical[photoID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPhotoNotFound, photoID)
	}
	physicals, ok := d.logicalToPhysical[logical]
	if !ok || len(physicals) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVolume, logical)
	}

	physical := physicals[rand.Intn(len(physicals))]
	return &proto.ReadRoute{
		LogicalID:  logical,
		PhysicalID: physical,
		CacheID:    d.cacheShard(photoID),
		MachineID:  d.physicalToMachine[physical],
	}, nil
}

// RouteForDelete resolves every replica of the photo's logical volume and
// removes the photo's mapping and feature entries in the same call. The
// removal happens before any physical delete is attempted; that ordering
// (and its partial-failure consequences) is part of the protocol.
func (d *Directory) RouteForDelete(photoID uint64) (*proto.DeleteRoute, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	logical, ok := d.photoToLogical[photoID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPhotoNotFound, photoID)
	}
	physicals := d.logicalToPhysical[logical]
	if len(physicals) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVolume, logical)
	}

	delete(d.photoToLogical, photoID)
	delete(d.photoFeatures, photoID)

	machines := make([]int, len(physicals))
	for i, p := range physicals {
		machines[i] = d.physicalToMachine[p]
	}
	return &proto.DeleteRoute{
		LogicalID:   logical,
		PhysicalIDs: append([]uint32(nil), physicals...),
		CacheID:     d.cacheShard(photoID),
		MachineIDs:  machines,
	}, nil
}

// RecordFeatures extracts the feature vector for a new photo, assigns it a
// fresh id, and returns the candidate pool of previously known photo ids.
// The pool is snapshotted before the new photo is recorded so the photo is
// never its own placement candidate.
func (d *Directory) RecordFeatures(ctx context.Context, payload []byte) (*proto.FeatureResponse, error) {
	vec, err := d.extractor.Extract(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("extract features: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	pool := d.knownPhotoIDsLocked()
	photoID := d.nextPhotoID
	d.nextPhotoID++
	d.photoFeatures[photoID] = vec

	return &proto.FeatureResponse{
		Features: vec,
		PhotoIDs: pool,
		PhotoID:  photoID,
	}, nil
}

// RecordFeaturesBatch is the batch variant: one contiguous id block is
// assigned and every member's features are recorded against it.
func (d *Directory) RecordFeaturesBatch(ctx context.Context, payloads [][]byte) (*proto.FeatureBatchResponse, error) {
	vecs, err := d.extractor.ExtractBatch(ctx, payloads)
	if err != nil {
		return nil, fmt.Errorf("extract features: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	pool := d.knownPhotoIDsLocked()
	firstID := d.nextPhotoID
	d.nextPhotoID += uint64(len(payloads))
	for i, vec := range vecs {
		d.photoFeatures[firstID+uint64(i)] = vec
	}

	return &proto.FeatureBatchResponse{
		Features: vecs,
		PhotoIDs: pool,
		PhotoID:  firstID,
	}, nil
}

// knownPhotoIDsLocked snapshots the ids with recorded features.
func (d *Directory) knownPhotoIDsLocked() []uint64 {
	ids := make([]uint64, 0, len(d.photoFeatures))
	for id := range d.photoFeatures {
		ids = append(ids, id)
	}
	return ids
}

// Nearest records the querying photo's features on this replica, then
// returns the nearest candidate among the given partition of the photo
// pool. Candidates without a locally known vector are skipped; the replica
// may simply not have heard of them yet.
func (d *Directory) Nearest(req *proto.NearestRequest) (uint64, error) {
	d.mu.Lock()
	d.photoFeatures[req.ActualID] = req.Features
	candidates := make([]uint64, 0, len(req.PhotoIDs))
	vectors := make([][]float32, 0, len(req.PhotoIDs))
	for _, id := range req.PhotoIDs {
		if vec, ok := d.photoFeatures[id]; ok && id != req.ActualID {
			candidates = append(candidates, id)
			vectors = append(vectors, vec)
		}
	}
	d.mu.Unlock()

	if len(candidates) == 0 {
		return 0, fmt.Errorf("%w: no usable candidates in partition", ErrPhotoNotFound)
	}

	idx, _, err := feature.Nearest(req.Features, vectors)
	if err != nil {
		return 0, err
	}
	return candidates[idx], nil
}

// NearestBatch answers one nearest-candidate query per batch member, all
// against the same candidate partition.
func (d *Directory) NearestBatch(req *proto.NearestBatchRequest) ([]uint64, error) {
	d.mu.Lock()
	for i, vec := range req.Features {
		d.photoFeatures[req.ActualID+uint64(i)] = vec
	}
	d.mu.Unlock()

	winners := make([]uint64, len(req.Features))
	for i, vec := range req.Features {
		winner, err := d.Nearest(&proto.NearestRequest{
			PhotoIDs: req.PhotoIDs,
			Features: vec,
			ActualID: req.ActualID + uint64(i),
		})
		if err != nil {
			return nil, fmt.Errorf("batch member %d: %w", i, err)
		}
		winners[i] = winner
	}
	return winners, nil
}

// SyncVolumeAssignment applies a placement decision made by another
// directory replica. It is idempotent: reapplying the same assignment is a
// no-op, and the id counter only ever moves forward.
func (d *Directory) SyncVolumeAssignment(photoID uint64, logicalID uint32, vec []float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.logicalToPhysical[logicalID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownVolume, logicalID)
	}

	d.photoToLogical[photoID] = logicalID
	d.photoFeatures[photoID] = vec
	if photoID >= d.nextPhotoID {
		d.nextPhotoID = photoID + 1
	}
	return nil
}

// MarkReadOnly removes a logical volume from the write-enabled set. Photos
// already placed there remain readable; the volume just stops receiving
// new placements.
func (d *Directory) MarkReadOnly(logicalID uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.logicalToPhysical[logicalID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownVolume, logicalID)
	}
	d.writeEnabled[logicalID] = false
	return nil
}

// PhotoCount returns the number of photos with a volume assignment.
func (d *Directory) PhotoCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.photoToLogical)
}

// replicaSetLocked builds the replica fan-out info for a logical volume.
func (d *Directory) replicaSetLocked(logical uint32) ([]uint32, []int) {
	physicals := append([]uint32(nil), d.logicalToPhysical[logical]...)
	machines := make([]int, len(physicals))
	for i, p := range physicals {
		machines[i] = d.physicalToMachine[p]
	}
	return physicals, machines
}
