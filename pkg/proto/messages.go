// Package proto defines shared protocol messages for needlestack.
package proto

// ReadRoute is returned by the directory for a single-replica read.
type ReadRoute struct {
	LogicalID  uint32 `json:"logical_id"`
	PhysicalID uint32 `json:"physical_id"`
	CacheID    int    `json:"cache_id"`
	MachineID  int    `json:"machine_id"`
}

// DeleteRoute is returned by the directory for a delete. It carries every
// replica because a delete must reach both physical copies.
type DeleteRoute struct {
	LogicalID   uint32   `json:"logical_id"`
	PhysicalIDs []uint32 `json:"physical_ids"`
	CacheID     int      `json:"cache_id"`
	MachineIDs  []int    `json:"machine_ids"`
}

// FeatureRequest submits raw photo bytes for feature extraction.
type FeatureRequest struct {
	PhotoData []byte `json:"photo_data"`
}

// FeatureBatchRequest submits a fixed-size batch of photos.
type FeatureBatchRequest struct {
	PhotoData [][]byte `json:"photo_data"`
}

// FeatureResponse carries the extracted feature vector, the freshly
// assigned photo id, and the candidate pool of already-known photo ids.
type FeatureResponse struct {
	Features []float32 `json:"features"`
	PhotoIDs []uint64  `json:"list_of_photo_ids"`
	PhotoID  uint64    `json:"photo_id"`
}

// FeatureBatchResponse is the batch variant. PhotoID is the first id of the
// contiguous block assigned to the batch.
type FeatureBatchResponse struct {
	Features [][]float32 `json:"features"`
	PhotoIDs []uint64    `json:"list_of_photo_ids"`
	PhotoID  uint64      `json:"photo_id"`
}

// NearestRequest asks a directory replica to find the nearest known photo
// among a candidate partition. The new photo's features are recorded as a
// side effect so the replica learns about the photo before placement sync.
type NearestRequest struct {
	PhotoIDs []uint64  `json:"photo_ids"`
	Features []float32 `json:"features"`
	ActualID uint64    `json:"actual_id"`
}

// NearestResponse returns the winning candidate id.
type NearestResponse struct {
	NearestPhotoID uint64 `json:"nearest_photos_id"`
}

// NearestBatchRequest is the batch variant of NearestRequest. ActualID is
// the first id of the batch's contiguous id block.
type NearestBatchRequest struct {
	PhotoIDs []uint64    `json:"photo_ids"`
	Features [][]float32 `json:"features"`
	ActualID uint64      `json:"actual_id"`
}

// NearestBatchResponse returns one winner per batch member.
type NearestBatchResponse struct {
	NearestPhotoIDs []uint64 `json:"nearest_photos_id"`
}

// PlaceRequest asks the directory to pick a logical volume for a new photo.
// NearestPhotoIDs holds one candidate per queried shard; a nil entry means
// that shard had no usable data (cold start).
type PlaceRequest struct {
	NearestPhotoIDs []*uint64 `json:"nearest_photos_ids"`
	Features        []float32 `json:"features"`
	PhotoID         uint64    `json:"photo_id"`
}

// PlaceResponse carries the chosen replica set for the new photo.
type PlaceResponse struct {
	LogicalID   uint32   `json:"logical_id"`
	PhysicalIDs []uint32 `json:"physical_ids"`
	MachineIDs  []int    `json:"machine_ids"`
}

// PlaceBatchRequest places a fixed-size batch, each member against its own
// per-shard candidate set.
type PlaceBatchRequest struct {
	NearestPhotoIDs [][]*uint64 `json:"nearest_photos_ids"`
	Features        [][]float32 `json:"features"`
	PhotoID         uint64      `json:"photo_id"`
}

// PlaceBatchResponse carries one replica set per batch member.
type PlaceBatchResponse struct {
	LogicalIDs  []uint32   `json:"logical_id"`
	PhysicalIDs [][]uint32 `json:"physical_ids"`
	MachineIDs  [][]int    `json:"machine_ids"`
}

// SyncRequest propagates a placement decision to another directory replica.
type SyncRequest struct {
	PhotoID   uint64    `json:"photo_id"`
	LogicalID uint32    `json:"logical_id"`
	Features  []float32 `json:"features"`
}

// SyncBatchRequest propagates a batch placement decision. PhotoID is the
// first id of the contiguous block; LogicalIDs and Features are indexed by
// batch position.
type SyncBatchRequest struct {
	PhotoID    uint64      `json:"photo_id"`
	LogicalIDs []uint32    `json:"logical_id"`
	Features   [][]float32 `json:"features"`
}

// WriteNeedleRequest appends a photo to one physical volume on a store.
type WriteNeedleRequest struct {
	PhotoID    uint64 `json:"photo_id"`
	PhysicalID uint32 `json:"physical_id"`
	LogicalID  uint32 `json:"logical_id"`
	PhotoData  []byte `json:"photo_data"`
}

// PhotoResponse carries a single photo payload.
type PhotoResponse struct {
	Data []byte `json:"data"`
}

// SimilarResponse carries a photo together with the payloads of needles
// written around it in the same volume.
type SimilarResponse struct {
	Actual  []byte   `json:"actual"`
	Similar [][]byte `json:"similar"`
}

// TargetError reports a single failed target of a fan-out operation.
type TargetError struct {
	Target string `json:"target"`
	Error  string `json:"error"`
}

// FanoutErrorResponse aggregates fan-out failures. Per protocol, siblings
// that succeeded are not rolled back; their side effects stand.
type FanoutErrorResponse struct {
	Errors []TargetError `json:"errors"`
}

// ErrorResponse is the generic error envelope used by every service.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse acknowledges a successful mutation.
type StatusResponse struct {
	Message string `json:"message"`
}

// WriteAck acknowledges a write and returns the assigned photo id. For a
// batch write PhotoID is the first id of the contiguous block.
type WriteAck struct {
	Message string `json:"message"`
	PhotoID uint64 `json:"photo_id"`
}
