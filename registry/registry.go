// Package registry multiplexes many trucks within a single process, per
// spec.md §4.7: a bounded set of live TruckWorkers in recency order, a
// global value cache shared across trucks, and change-event
// broadcasting. Grounded on And-fish-kvDB's DB (db.go) for the shape of
// a single top-level owning struct holding every shared resource behind
// one mutex, generalized here from "one database" to "many trucks
// multiplexed behind one front end" the way vi88i-kvstash's package
// lays out a directory of independent stores under one root path.
package registry

import (
	"os"
	"path/filepath"
	"time"

	"sync"

	"github.com/andfish/truckdb/changebus"
	"github.com/andfish/truckdb/codec"
	"github.com/andfish/truckdb/config"
	"github.com/andfish/truckdb/dberr"
	"github.com/andfish/truckdb/lru"
	"github.com/andfish/truckdb/obslog"
	"github.com/andfish/truckdb/worker"
)

// Registry is the multi-truck front end. All exported methods are safe
// for concurrent use.
type Registry struct {
	mu sync.Mutex

	rootPath string
	opts     config.Options
	obs      obslog.Observer

	bus *changebus.Bus

	workers map[string]*worker.TruckWorker
	recency []string // oldest-resolved first

	globalCache *lru.Cache
}

// New returns a Registry rooted at rootPath. The root need not exist yet
// (trucks create it lazily on first resolution, per spec.md §6).
func New(rootPath string, opts config.Options, obs obslog.Observer) *Registry {
	if obs == nil {
		obs = obslog.Noop{}
	}
	return &Registry{
		rootPath:    rootPath,
		opts:        opts,
		obs:         obs,
		bus:         changebus.New(obs),
		workers:     make(map[string]*worker.TruckWorker),
		globalCache: lru.New(opts.GlobalCacheCapacity),
	}
}

// Bus returns the change-event broadcaster, for callers that want to
// subscribe directly instead of through Watch/WatchBox.
func (r *Registry) Bus() *changebus.Bus { return r.bus }

func cacheBox(truckID, box string) string { return truckID + "\x1f" + box }

// resolve returns the active worker for truckID, spawning one (and
// evicting the least-recently-resolved worker if the registry is at
// capacity) if it is not already active.
func (r *Registry) resolve(truckID string) (*worker.TruckWorker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[truckID]; ok {
		r.touchLocked(truckID)
		return w, nil
	}

	maxLive := r.opts.MaxLiveTrucks
	if maxLive > 0 && len(r.workers) >= maxLive {
		r.evictOldestLocked()
	}

	w, err := worker.Spawn(r.rootPath, truckID, r.opts, r.obs)
	if err != nil {
		return nil, err
	}
	r.workers[truckID] = w
	r.recency = append(r.recency, truckID)
	return w, nil
}

func (r *Registry) touchLocked(id string) {
	r.removeFromRecencyLocked(id)
	r.recency = append(r.recency, id)
}

func (r *Registry) removeFromRecencyLocked(id string) {
	for i, v := range r.recency {
		if v == id {
			r.recency = append(r.recency[:i], r.recency[i+1:]...)
			return
		}
	}
}

func (r *Registry) evictOldestLocked() {
	if len(r.recency) == 0 {
		return
	}
	oldest := r.recency[0]
	r.recency = r.recency[1:]
	w, ok := r.workers[oldest]
	if !ok {
		return
	}
	delete(r.workers, oldest)
	if err := w.Close(); err != nil {
		obslog.Emit(r.obs, time.Now(), oldest, "registry.evict_close_failed", obslog.LevelWarn, map[string]any{"error": err.Error()})
	}
}

// Put installs value for (truckID, box, tag). Publishes PUT on a new key
// or UPDATE otherwise, determined by a best-effort pre-check against the
// global cache: a value evicted from the cache but still present on
// disk will be misreported as PUT, per spec.md §4.7.
func (r *Registry) Put(truckID, box, tag string, value codec.Value, sync bool) error {
	w, err := r.resolve(truckID)
	if err != nil {
		return err
	}
	_, hit := r.globalCache.Get(cacheBox(truckID, box), tag)
	if err := w.Write(box, tag, value, sync); err != nil {
		return err
	}
	r.globalCache.Put(cacheBox(truckID, box), tag, value)
	op := changebus.OpPut
	if hit {
		op = changebus.OpUpdate
	}
	r.bus.Publish(changebus.Event{TruckID: truckID, BoxID: box, Op: op, Tag: tag, Value: value})
	return nil
}

// PutCAS performs a compare-and-swap on a single field of (box, tag).
func (r *Registry) PutCAS(truckID, box, tag string, value codec.Value, field string, expected any, sync bool) (bool, error) {
	w, err := r.resolve(truckID)
	if err != nil {
		return false, err
	}
	ok, err := w.PutCAS(box, tag, value, field, expected, sync)
	if err != nil || !ok {
		return ok, err
	}
	r.globalCache.Put(cacheBox(truckID, box), tag, value)
	r.bus.Publish(changebus.Event{TruckID: truckID, BoxID: box, Op: changebus.OpCASUpdate, Tag: tag, Value: value})
	return true, nil
}

// Get returns the current value for (truckID, box, tag), checking the
// global cache before falling through to the truck.
func (r *Registry) Get(truckID, box, tag string) (codec.Value, bool, error) {
	if v, hit := r.globalCache.Get(cacheBox(truckID, box), tag); hit {
		return v.(codec.Value), true, nil
	}
	w, err := r.resolve(truckID)
	if err != nil {
		return nil, false, err
	}
	v, ok, err := w.Read(box, tag)
	if err != nil || !ok {
		return v, ok, err
	}
	r.globalCache.Put(cacheBox(truckID, box), tag, v)
	return v, true, nil
}

// Batch commits every entry in one transaction and publishes a single
// BATCH event.
func (r *Registry) Batch(truckID, box string, entries map[string]codec.Value) error {
	w, err := r.resolve(truckID)
	if err != nil {
		return err
	}
	if err := w.Batch(box, entries); err != nil {
		return err
	}
	for tag, v := range entries {
		r.globalCache.Put(cacheBox(truckID, box), tag, v)
	}
	r.bus.Publish(changebus.Event{TruckID: truckID, BoxID: box, Op: changebus.OpBatch, Entries: entries})
	return nil
}

// ReadBox returns every live tag under (truckID, box).
func (r *Registry) ReadBox(truckID, box string) (map[string]codec.Value, error) {
	w, err := r.resolve(truckID)
	if err != nil {
		return nil, err
	}
	return w.ReadBox(box)
}

// Query returns the values of every live tag under (truckID, box) whose
// value at field starts with prefix.
func (r *Registry) Query(truckID, box, field, prefix string) ([]codec.Value, error) {
	w, err := r.resolve(truckID)
	if err != nil {
		return nil, err
	}
	return w.Query(box, field, prefix)
}

// DeleteTag tombstones (truckID, box, tag).
func (r *Registry) DeleteTag(truckID, box, tag string, sync bool) error {
	w, err := r.resolve(truckID)
	if err != nil {
		return err
	}
	if err := w.RemoveTag(box, tag, sync); err != nil {
		return err
	}
	r.globalCache.Remove(cacheBox(truckID, box), tag)
	r.bus.Publish(changebus.Event{TruckID: truckID, BoxID: box, Op: changebus.OpDelete, Tag: tag})
	return nil
}

// DeleteBox tombstones every tag under (truckID, box). Invalidates the
// entire global cache rather than just the affected box, per spec.md
// §9's accepted default for global-cache coherence.
func (r *Registry) DeleteBox(truckID, box string) error {
	w, err := r.resolve(truckID)
	if err != nil {
		return err
	}
	if err := w.RemoveBox(box, true); err != nil {
		return err
	}
	r.globalCache.Clear()
	r.bus.Publish(changebus.Event{TruckID: truckID, BoxID: box, Op: changebus.OpDeleteBox})
	return nil
}

// Contains reports whether (truckID, box, tag) currently resolves to a
// live value.
func (r *Registry) Contains(truckID, box, tag string) (bool, error) {
	if _, hit := r.globalCache.Get(cacheBox(truckID, box), tag); hit {
		return true, nil
	}
	w, err := r.resolve(truckID)
	if err != nil {
		return false, err
	}
	return w.Contains(box, tag)
}

// GetAllBoxes lists every box id present in truckID.
func (r *Registry) GetAllBoxes(truckID string) ([]string, error) {
	w, err := r.resolve(truckID)
	if err != nil {
		return nil, err
	}
	return w.GetAllBoxes()
}

// Compact runs truckID's rewrite-and-swap compaction procedure.
func (r *Registry) Compact(truckID string) error {
	w, err := r.resolve(truckID)
	if err != nil {
		return err
	}
	return w.Compact()
}

// DeleteTruck closes truckID's worker if active and removes its data
// and index files from disk.
func (r *Registry) DeleteTruck(truckID string) error {
	r.mu.Lock()
	if w, ok := r.workers[truckID]; ok {
		delete(r.workers, truckID)
		r.removeFromRecencyLocked(truckID)
		r.mu.Unlock()
		if err := w.Close(); err != nil {
			obslog.Emit(r.obs, time.Now(), truckID, "registry.delete_truck_close_failed", obslog.LevelWarn, map[string]any{"error": err.Error()})
		}
	} else {
		r.mu.Unlock()
	}

	r.globalCache.Clear()

	dataPath := filepath.Join(r.rootPath, truckID+".dat")
	idxPath := filepath.Join(r.rootPath, truckID+".idx")
	if err := os.Remove(dataPath); err != nil && !os.IsNotExist(err) {
		return dberr.Wrapf(err, "registry: remove %s", dataPath)
	}
	if err := os.Remove(idxPath); err != nil && !os.IsNotExist(err) {
		return dberr.Wrapf(err, "registry: remove %s", idxPath)
	}
	return nil
}

// DeleteAll closes every active worker, clears every cache, and removes
// every truck's data and index files under rootPath.
func (r *Registry) DeleteAll() error {
	r.mu.Lock()
	workers := r.workers
	r.workers = make(map[string]*worker.TruckWorker)
	r.recency = nil
	r.mu.Unlock()

	for id, w := range workers {
		if err := w.Close(); err != nil {
			obslog.Emit(r.obs, time.Now(), id, "registry.delete_all_close_failed", obslog.LevelWarn, map[string]any{"error": err.Error()})
		}
	}
	r.globalCache.Clear()

	entries, err := os.ReadDir(r.rootPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return dberr.Wrapf(err, "registry: read root %s", r.rootPath)
	}
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if ext == ".dat" || ext == ".idx" {
			if err := os.Remove(filepath.Join(r.rootPath, e.Name())); err != nil {
				return dberr.Wrapf(err, "registry: remove %s", e.Name())
			}
		}
	}
	return nil
}

// Close flushes and closes every active worker.
func (r *Registry) Close() error {
	r.mu.Lock()
	workers := r.workers
	r.workers = make(map[string]*worker.TruckWorker)
	r.recency = nil
	r.mu.Unlock()

	var firstErr error
	for _, w := range workers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
