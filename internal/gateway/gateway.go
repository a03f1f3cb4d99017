// Package gateway implements the public coordinator. It owns no state of
// its own: every request is resolved by fanning out to the directory,
// cache, and store tiers and joining the results.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/needlestack/needlestack/internal/cache"
	"github.com/needlestack/needlestack/internal/directory"
	"github.com/needlestack/needlestack/internal/store"
	"github.com/needlestack/needlestack/pkg/proto"
)

var (
	ErrNoDirectories = errors.New("no directory replicas configured")
	ErrBadMachineID  = errors.New("directory answered with an unknown machine id")
	ErrBadCacheID    = errors.New("directory answered with an unknown cache shard")
)

// PartialFailure reports a write or delete fan-out where some replicas
// succeeded and some failed. Successful replicas are not rolled back, so
// the side effects listed here stand.
type PartialFailure struct {
	Op      string
	PhotoID uint64
	Failed  []proto.TargetError
}

func (e *PartialFailure) Error() string {
	targets := make([]string, len(e.Failed))
	for i, te := range e.Failed {
		targets[i] = te.Target
	}
	return fmt.Sprintf("%s of photo %d failed on %s", e.Op, e.PhotoID, strings.Join(targets, ", "))
}

// BatchSizeError rejects a batch whose member count does not match the
// cluster's fixed batch size.
type BatchSizeError struct {
	Want, Got int
}

func (e *BatchSizeError) Error() string {
	return fmt.Sprintf("batch must contain exactly %d photos, got %d", e.Want, e.Got)
}

// Options configures a Coordinator.
type Options struct {
	DirectoryURLs []string
	CacheURLs     []string
	MachineURLs   []string // indexed by machine id

	BatchSize          int
	CandidateThreshold int // minimum pool size before nearest fan-out kicks in

	WriteRate  rate.Limit // 0 means unlimited
	WriteBurst int

	Timeout time.Duration
}

// Coordinator routes public requests across the three tiers. Directory
// replicas are visited round-robin; every replica converges on the same
// answer eventually, so any of them can serve any request.
type Coordinator struct {
	directories []*directory.Client
	caches      []*cache.Client
	machines    []string
	stores      []*store.Client

	batchSize          int
	candidateThreshold int
	limiter            *rate.Limiter

	next    atomic.Uint64
	logger  zerolog.Logger
	metrics *Metrics
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	if len(opts.DirectoryURLs) == 0 {
		return nil, ErrNoDirectories
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.CandidateThreshold <= 0 {
		opts.CandidateThreshold = 20
	}
	limit := opts.WriteRate
	if limit == 0 {
		limit = rate.Inf
	}
	burst := opts.WriteBurst
	if burst <= 0 {
		burst = opts.BatchSize
	}

	c := &Coordinator{
		machines:           opts.MachineURLs,
		batchSize:          opts.BatchSize,
		candidateThreshold: opts.CandidateThreshold,
		limiter:            rate.NewLimiter(limit, burst),
		logger:             log.With().Str("component", "gateway").Logger(),
		metrics:            InitMetrics(nil),
	}
	for _, u := range opts.DirectoryURLs {
		c.directories = append(c.directories, directory.NewClient(u, opts.Timeout))
	}
	for _, u := range opts.CacheURLs {
		c.caches = append(c.caches, cache.NewClient(u, opts.Timeout))
	}
	for _, u := range opts.MachineURLs {
		c.stores = append(c.stores, store.NewClient(u, opts.Timeout))
	}
	return c, nil
}

// nextDirectory returns a directory replica round-robin, plus its index so
// fan-outs can skip the replica that already knows the answer.
func (c *Coordinator) nextDirectory() (*directory.Client, int) {
	i := int(c.next.Add(1)-1) % len(c.directories)
	return c.directories[i], i
}

func (c *Coordinator) machineURL(machineID int) (string, error) {
	if machineID < 0 || machineID >= len(c.machines) {
		return "", fmt.Errorf("%w: %d", ErrBadMachineID, machineID)
	}
	return c.machines[machineID], nil
}

func (c *Coordinator) storeForMachine(machineID int) (*store.Client, error) {
	if machineID < 0 || machineID >= len(c.stores) {
		return nil, fmt.Errorf("%w: %d", ErrBadMachineID, machineID)
	}
	return c.stores[machineID], nil
}

// Read resolves the photo through the cache tier. The shard is chosen by
// the directory; the shard itself fetches from the store on a miss.
func (c *Coordinator) Read(ctx context.Context, photoID uint64) ([]byte, error) {
	dir, _ := c.nextDirectory()
	route, err := dir.RouteForRead(ctx, photoID)
	if err != nil {
		return nil, err
	}
	machineURL, err := c.machineURL(route.MachineID)
	if err != nil {
		return nil, err
	}
	if route.CacheID < 0 || route.CacheID >= len(c.caches) {
		return nil, fmt.Errorf("%w: %d", ErrBadCacheID, route.CacheID)
	}

	c.metrics.Reads.Inc()
	return c.caches[route.CacheID].Read(ctx, photoID, route.PhysicalID, machineURL)
}

// ReadSimilar returns the photo and up to n photos written around it in
// the same volume. Locality reads bypass the cache tier: the neighbor set
// depends on volume layout, which only the store knows.
func (c *Coordinator) ReadSimilar(ctx context.Context, photoID uint64, n int) (*proto.SimilarResponse, error) {
	dir, _ := c.nextDirectory()
	route, err := dir.RouteForRead(ctx, photoID)
	if err != nil {
		return nil, err
	}
	st, err := c.storeForMachine(route.MachineID)
	if err != nil {
		return nil, err
	}

	c.metrics.SimilarReads.Inc()
	return st.GetSimilar(ctx, photoID, route.PhysicalID, n)
}

// Delete unmaps the photo at the directory, then tells its cache shard to
// drop the entry and tombstone both store replicas. The directory mapping
// is gone even when a store replica fails; the failure is reported, not
// compensated.
func (c *Coordinator) Delete(ctx context.Context, photoID uint64) error {
	dir, _ := c.nextDirectory()
	route, err := dir.RouteForDelete(ctx, photoID)
	if err != nil {
		return err
	}
	if route.CacheID < 0 || route.CacheID >= len(c.caches) {
		return fmt.Errorf("%w: %d", ErrBadCacheID, route.CacheID)
	}

	machineURLs := make([]string, len(route.MachineIDs))
	for i, id := range route.MachineIDs {
		machineURLs[i], err = c.machineURL(id)
		if err != nil {
			return err
		}
	}

	c.metrics.Deletes.Inc()
	err = c.caches[route.CacheID].Remove(ctx, photoID, route.PhysicalIDs, machineURLs)
	var fanout *cache.FanoutError
	if errors.As(err, &fanout) {
		c.metrics.PartialFailures.Inc()
		return &PartialFailure{Op: "delete", PhotoID: photoID, Failed: fanout.Failed}
	}
	return err
}

// Write stores one photo. The flow is: extract features and an id at one
// directory replica, find the nearest known photo among the other replicas'
// candidate partitions, place, sync the decision to the other replicas, and
// append to both store replicas in parallel.
func (c *Coordinator) Write(ctx context.Context, photoData []byte) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	initial, initialIdx := c.nextDirectory()
	feat, err := initial.RecordFeatures(ctx, photoData)
	if err != nil {
		return 0, fmt.Errorf("record features: %w", err)
	}

	candidates := c.gatherCandidates(ctx, initialIdx, feat.PhotoIDs, feat.Features, feat.PhotoID)

	place, err := initial.Place(ctx, proto.PlaceRequest{
		NearestPhotoIDs: candidates,
		Features:        feat.Features,
		PhotoID:         feat.PhotoID,
	})
	if err != nil {
		return 0, fmt.Errorf("place photo %d: %w", feat.PhotoID, err)
	}

	c.syncPlacement(ctx, initialIdx, func(ctx context.Context, d *directory.Client) error {
		return d.Sync(ctx, proto.SyncRequest{
			PhotoID:   feat.PhotoID,
			LogicalID: place.LogicalID,
			Features:  feat.Features,
		})
	})

	if err := c.appendReplicas(ctx, feat.PhotoID, place.LogicalID, place.PhysicalIDs, place.MachineIDs, photoData); err != nil {
		return feat.PhotoID, err
	}

	c.metrics.Writes.Inc()
	c.logger.Debug().
		Uint64("photo_id", feat.PhotoID).
		Uint32("logical_id", place.LogicalID).
		Msg("photo written")
	return feat.PhotoID, nil
}

// WriteBatch stores a fixed-size batch of photos and returns the first id
// of the contiguous id block assigned to the batch.
func (c *Coordinator) WriteBatch(ctx context.Context, photos [][]byte) (uint64, error) {
	if len(photos) != c.batchSize {
		return 0, &BatchSizeError{Want: c.batchSize, Got: len(photos)}
	}
	if err := c.limiter.WaitN(ctx, c.batchSize); err != nil {
		return 0, err
	}

	initial, initialIdx := c.nextDirectory()
	feat, err := initial.RecordFeaturesBatch(ctx, photos)
	if err != nil {
		return 0, fmt.Errorf("record features: %w", err)
	}

	candidates := c.gatherCandidatesBatch(ctx, initialIdx, feat.PhotoIDs, feat.Features, feat.PhotoID)

	place, err := initial.PlaceBatch(ctx, proto.PlaceBatchRequest{
		NearestPhotoIDs: candidates,
		Features:        feat.Features,
		PhotoID:         feat.PhotoID,
	})
	if err != nil {
		return 0, fmt.Errorf("place batch at %d: %w", feat.PhotoID, err)
	}

	c.syncPlacement(ctx, initialIdx, func(ctx context.Context, d *directory.Client) error {
		return d.SyncBatch(ctx, proto.SyncBatchRequest{
			PhotoID:    feat.PhotoID,
			LogicalIDs: place.LogicalIDs,
			Features:   feat.Features,
		})
	})

	var (
		mu     sync.Mutex
		failed []proto.TargetError
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := range photos {
		i := i
		g.Go(func() error {
			err := c.appendReplicas(gctx, feat.PhotoID+uint64(i), place.LogicalIDs[i], place.PhysicalIDs[i], place.MachineIDs[i], photos[i])
			var pf *PartialFailure
			if errors.As(err, &pf) {
				mu.Lock()
				failed = append(failed, pf.Failed...)
				mu.Unlock()
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return feat.PhotoID, err
	}
	if len(failed) > 0 {
		c.metrics.PartialFailures.Inc()
		return feat.PhotoID, &PartialFailure{Op: "write_batch", PhotoID: feat.PhotoID, Failed: failed}
	}

	c.metrics.WriteBatches.Inc()
	c.logger.Debug().
		Uint64("first_photo_id", feat.PhotoID).
		Int("batch_size", c.batchSize).
		Msg("batch written")
	return feat.PhotoID, nil
}

// gatherCandidates partitions the candidate pool across the other directory
// replicas and asks each for its nearest candidate in parallel. Below the
// threshold, or when only one replica exists, every slot is nil and
// placement falls back to the cold regime. A replica that fails contributes
// a nil slot instead of failing the write.
func (c *Coordinator) gatherCandidates(ctx context.Context, initialIdx int, pool []uint64, features []float32, actualID uint64) []*uint64 {
	others := len(c.directories) - 1
	if len(pool) < c.candidateThreshold || others == 0 {
		return make([]*uint64, len(pool))
	}

	chunks := partitionPool(pool, others)
	candidates := make([]*uint64, 0, others)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	chunk := 0
	for i, d := range c.directories {
		if i == initialIdx {
			continue
		}
		d, part := d, chunks[chunk]
		chunk++
		g.Go(func() error {
			winner, err := d.Nearest(gctx, proto.NearestRequest{
				PhotoIDs: part,
				Features: features,
				ActualID: actualID,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Warn().Err(err).Str("directory", d.BaseURL()).Msg("nearest fan-out failed")
				candidates = append(candidates, nil)
				return nil
			}
			candidates = append(candidates, &winner)
			return nil
		})
	}
	_ = g.Wait()
	c.metrics.NearestFanouts.Inc()
	return candidates
}

// gatherCandidatesBatch is the batch variant: the result is indexed by
// batch member, one candidate per queried replica. Batches always fan out
// regardless of pool size; an empty pool still yields nil slots.
func (c *Coordinator) gatherCandidatesBatch(ctx context.Context, initialIdx int, pool []uint64, features [][]float32, actualID uint64) [][]*uint64 {
	others := len(c.directories) - 1
	candidates := make([][]*uint64, c.batchSize)
	if others == 0 || len(pool) == 0 {
		for i := range candidates {
			candidates[i] = make([]*uint64, 1)
		}
		return candidates
	}

	chunks := partitionPool(pool, others)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	chunk := 0
	for i, d := range c.directories {
		if i == initialIdx {
			continue
		}
		d, part := d, chunks[chunk]
		chunk++
		g.Go(func() error {
			winners, err := d.NearestBatch(gctx, proto.NearestBatchRequest{
				PhotoIDs: part,
				Features: features,
				ActualID: actualID,
			})
			mu.Lock()
			defer mu.Unlock()
			for m := 0; m < c.batchSize; m++ {
				if err != nil || m >= len(winners) {
					candidates[m] = append(candidates[m], nil)
					continue
				}
				w := winners[m]
				candidates[m] = append(candidates[m], &w)
			}
			if err != nil {
				c.logger.Warn().Err(err).Str("directory", d.BaseURL()).Msg("nearest batch fan-out failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	c.metrics.NearestFanouts.Inc()
	return candidates
}

// partitionPool shuffles the pool and splits it into n chunks, the last
// chunk absorbing the remainder.
func partitionPool(pool []uint64, n int) [][]uint64 {
	shuffled := make([]uint64, len(pool))
	copy(shuffled, pool)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	size := len(shuffled) / n
	chunks := make([][]uint64, n)
	for i := 0; i < n; i++ {
		chunks[i] = shuffled[i*size : (i+1)*size]
	}
	chunks[n-1] = append(chunks[n-1], shuffled[n*size:]...)
	return chunks
}

// syncPlacement pushes a placement decision to every other directory
// replica in parallel. Sync is best effort: a replica that misses the
// update catches up on the next write that syncs to it, so failures are
// logged and the write proceeds.
func (c *Coordinator) syncPlacement(ctx context.Context, initialIdx int, push func(context.Context, *directory.Client) error) {
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range c.directories {
		if i == initialIdx {
			continue
		}
		d := d
		g.Go(func() error {
			if err := push(gctx, d); err != nil {
				c.logger.Warn().Err(err).Str("directory", d.BaseURL()).Msg("placement sync failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	c.metrics.SyncFanouts.Inc()
}

// appendReplicas writes the needle to every replica's store machine in
// parallel. All replicas are attempted; if any fail the whole write is
// reported failed, but replicas that succeeded keep the needle.
func (c *Coordinator) appendReplicas(ctx context.Context, photoID uint64, logicalID uint32, physicalIDs []uint32, machineIDs []int, photoData []byte) error {
	// Resolve every target before launching anything so a bad machine id
	// fails the write without leaving goroutines in flight.
	targets := make([]*store.Client, len(physicalIDs))
	for i := range physicalIDs {
		st, err := c.storeForMachine(machineIDs[i])
		if err != nil {
			return err
		}
		targets[i] = st
	}

	var (
		mu     sync.Mutex
		failed []proto.TargetError
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := range physicalIDs {
		phys := physicalIDs[i]
		st := targets[i]
		machineURL := st.BaseURL()
		g.Go(func() error {
			err := st.Write(gctx, proto.WriteNeedleRequest{
				PhotoID:    photoID,
				PhysicalID: phys,
				LogicalID:  logicalID,
				PhotoData:  photoData,
			})
			if err != nil {
				mu.Lock()
				failed = append(failed, proto.TargetError{Target: machineURL, Error: err.Error()})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		c.metrics.PartialFailures.Inc()
		return &PartialFailure{Op: "write", PhotoID: photoID, Failed: failed}
	}
	return nil
}
