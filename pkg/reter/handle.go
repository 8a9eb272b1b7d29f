package reter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"

	"github.com/gitrdm/reter/internal/workerpool"
)

// Handle is the persistence front door named in spec §4.7/§6: a base
// snapshot plus an append-only delta journal, with compaction merging the
// two back into a fresh base. Mutating calls go straight to the in-memory
// Network; Save/Compact are the only calls that touch disk synchronously
// (besides the journal append every mutation makes).
type Handle struct {
	net *Network

	dir       string
	basePath  string
	deltaPath string

	mu       sync.Mutex
	journal  *journalWriter
	baseFP   [16]byte
	compactN int32 // atomic: 1 while a compaction is in flight

	pool       *workerpool.Pool
	ownPool    bool
	compactErr error
	compactWg  sync.WaitGroup

	lazy        bool
	lazyRecs    []factRecord
	materialize sync.Once
	mapped      mmap.MMap
	mappedFile  *os.File
}

// HandleOptions configures Open.
type HandleOptions struct {
	// Config is passed to NewNetwork when constructing the in-memory side.
	Config Config
	// Pool runs CompactAsync jobs; a private single-worker pool is created
	// if nil.
	Pool *workerpool.Pool
	// Lazy defers replaying the base snapshot's records into the Network
	// until Materialize. The records themselves are still read and decoded
	// at Open, and the file is memory-mapped until materialization. Open
	// materializes at once whenever a delta journal already exists, since
	// replaying it calls Materialize; otherwise the mutating methods
	// (AddFact, AddSource, RemoveSource, RemoveFact) and Save materialize
	// implicitly. Network() and the count accessors do not materialize, so
	// queries run on Network() before that see no base-snapshot facts.
	// MaterializeInto forces it up front.
	Lazy bool
}

// Open opens (or creates) a store rooted at dir: `dir/base.retsnap` and
// `dir/delta.retjrnl`. A missing base is treated as an empty store; a
// missing delta is created fresh.
func Open(dir string, opts HandleOptions) (*Handle, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("reter: open store dir: %w", err)
	}
	h := &Handle{
		dir:       dir,
		basePath:  filepath.Join(dir, "base.retsnap"),
		deltaPath: filepath.Join(dir, "delta.retjrnl"),
		lazy:      opts.Lazy,
	}
	h.net = NewNetwork(opts.Config)

	if opts.Pool != nil {
		h.pool = opts.Pool
	} else {
		h.pool = workerpool.New(1)
		h.ownPool = true
	}

	lock := flock.New(h.lockPath())
	locked, err := tryLockWithBackoff(lock, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("reter: lock store: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("reter: store %s is locked by another process", dir)
	}
	defer lock.Unlock()

	basePath, baseExists := resolveSnapshotPath(h.basePath)
	if baseExists {
		recs, fp, err := readSnapshot(basePath)
		if err != nil {
			return nil, fmt.Errorf("reter: read base snapshot: %w", err)
		}
		h.baseFP = fp
		if h.lazy {
			if err := h.mapBase(basePath); err != nil {
				return nil, err
			}
			h.lazyRecs = recs
		} else if err := replayInto(h.net, recs); err != nil {
			return nil, fmt.Errorf("reter: replay base snapshot: %w", err)
		}
		reapOldSnapshotVersions(h.basePath, basePath)
	}

	if _, err := os.Stat(h.deltaPath); err == nil {
		fp, entries, warnings, err := readJournal(h.deltaPath)
		if err != nil {
			return nil, fmt.Errorf("reter: read delta journal: %w", err)
		}
		for _, w := range warnings {
			h.net.log.Warnw("delta journal recovery", "detail", w)
		}
		if baseExists && fp != h.baseFP {
			return nil, fmt.Errorf("%w: delta base fingerprint does not match opened base", ErrIncompatibleBase)
		}
		if err := h.replayDelta(entries); err != nil {
			return nil, fmt.Errorf("reter: replay delta journal: %w", err)
		}
		jw, err := openJournalForAppend(h.deltaPath)
		if err != nil {
			return nil, err
		}
		h.journal = jw
	} else {
		jw, err := createJournal(h.deltaPath, h.baseFP)
		if err != nil {
			return nil, err
		}
		h.journal = jw
	}

	return h, nil
}

func (h *Handle) lockPath() string { return filepath.Join(h.dir, ".reter.lock") }

// tryLockWithBackoff retries flock acquisition with exponential backoff,
// giving up once budget elapses. Cross-process lock contention here is
// expected to be brief (another Handle finishing its own Open/Save/Compact
// window), so a short bounded retry is enough.
func tryLockWithBackoff(lock *flock.Flock, budget time.Duration) (bool, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = budget
	var locked bool
	err := backoff.Retry(func() error {
		ok, err := lock.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return fmt.Errorf("reter: store locked")
		}
		locked = true
		return nil
	}, b)
	if err != nil && !locked {
		return false, nil
	}
	return locked, nil
}

func (h *Handle) mapBase(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return fmt.Errorf("reter: mmap base snapshot: %w", err)
	}
	h.mappedFile = f
	h.mapped = m
	return nil
}

// Materialize forces replay of a lazily opened base snapshot into the live
// Network. It is a no-op once materialization has already happened, and is
// called implicitly by every mutating method, by Save, and by delta replay.
func (h *Handle) Materialize() error {
	var err error
	h.materialize.Do(func() {
		if !h.lazy || h.lazyRecs == nil {
			return
		}
		err = replayInto(h.net, h.lazyRecs)
		h.lazyRecs = nil
		if h.mapped != nil {
			_ = h.mapped.Unmap()
			h.mapped = nil
		}
		if h.mappedFile != nil {
			_ = h.mappedFile.Close()
			h.mappedFile = nil
		}
	})
	return err
}

// MaterializeInto is the exported spelling named in spec §4.7 for forcing
// eager decode of a lazily opened store up front.
func (h *Handle) MaterializeInto() error { return h.Materialize() }

func (h *Handle) replayDelta(entries []deltaEntry) error {
	if err := h.Materialize(); err != nil {
		return err
	}
	remap := map[FactID]FactID{}
	for _, e := range entries {
		switch e.op {
		case opAddFact:
			rec, err := decodeAddFact(e.payload)
			if err != nil {
				h.net.log.Warnw("skipping unreadable ADD_FACT entry", "err", err)
				continue
			}
			h.applyAddFact(rec, remap)
		case opAddSourceBatch:
			sourceID, recs, err := decodeAddSourceBatch(e.payload)
			if err != nil {
				h.net.log.Warnw("skipping unreadable ADD_SOURCE_BATCH entry", "err", err)
				continue
			}
			for _, rec := range recs {
				rec.sources = append(rec.sources, sourceID)
				h.applyAddFact(rec, remap)
			}
		case opRemoveSource:
			sourceID, err := decodeRemoveSource(e.payload)
			if err != nil {
				continue
			}
			h.net.RemoveSource(sourceID)
		case opRemoveFact:
			oldID, err := decodeRemoveFact(e.payload)
			if err != nil {
				continue
			}
			if newID, ok := remap[oldID]; ok {
				h.net.RemoveByID(newID)
			}
		}
	}
	return nil
}

func (h *Handle) applyAddFact(rec factRecord, remap map[FactID]FactID) {
	id, added := h.net.Store.Add(rec.attrs)
	if added {
		f, _ := h.net.Store.Get(id)
		f.Inferred = rec.inferred
		f.InferredBy = rec.inferredBy
		for _, old := range rec.support {
			if newID, ok := remap[old]; ok {
				f.Support = append(f.Support, newID)
			}
		}
		for _, src := range rec.sources {
			h.net.Store.tagSource(id, src)
		}
		h.net.trackPredicateKind(rec.attrs)
		_ = h.net.propagateAssert(f)
		h.net.drainAgenda()
	}
	remap[rec.origID] = id
}

// AddFact asserts attrs, appending an ADD_FACT entry to the journal.
func (h *Handle) AddFact(attrs map[string]string) (FactID, error) {
	if err := h.Materialize(); err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id, _, err := h.net.AddFact(attrs)
	if err != nil {
		return 0, err
	}
	f, _ := h.net.Store.Get(id)
	rec := factRecord{origID: id, attrs: f.Attrs(h.net.in), sources: sourceList(f), inferred: f.Inferred, inferredBy: f.InferredBy, support: f.Support}
	if err := h.journal.append(opAddFact, encodeAddFact(rec)); err != nil {
		return id, err
	}
	return id, nil
}

// AddSource asserts a batch of facts tagged with sourceID in one journal
// entry (spec's ADD_SOURCE_BATCH op).
func (h *Handle) AddSource(sourceID string, batch []map[string]string) ([]FactID, error) {
	if err := h.Materialize(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]FactID, 0, len(batch))
	recs := make([]factRecord, 0, len(batch))
	for _, attrs := range batch {
		id, _, err := h.net.AddFactWithSource(attrs, sourceID)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
		f, _ := h.net.Store.Get(id)
		recs = append(recs, factRecord{origID: id, attrs: f.Attrs(h.net.in), inferred: f.Inferred, inferredBy: f.InferredBy, support: f.Support})
	}
	if err := h.journal.append(opAddSourceBatch, encodeAddSourceBatch(sourceID, recs)); err != nil {
		return ids, err
	}
	return ids, nil
}

// RemoveSource retracts every fact tagged with sourceID.
func (h *Handle) RemoveSource(sourceID string) error {
	if err := h.Materialize(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.net.RemoveSource(sourceID)
	return h.journal.append(opRemoveSource, encodeRemoveSource(sourceID))
}

// RemoveFact retracts a single fact by id.
func (h *Handle) RemoveFact(id FactID) error {
	if err := h.Materialize(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.net.RemoveByID(id)
	return h.journal.append(opRemoveFact, encodeRemoveFact(id))
}

// Network returns the underlying in-memory Network for read-only access
// (queries). Callers that mutate outside of Handle's own methods break
// journal durability; use AddFact/RemoveFact/RemoveSource instead.
func (h *Handle) Network() *Network { return h.net }

// Save writes a fresh base snapshot from the current in-memory state and
// truncates the delta journal to empty (spec §6 "save: write base, reset
// delta"), guarded by the cross-process flock.
func (h *Handle) Save() error {
	if err := h.Materialize(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.saveLocked()
}

func (h *Handle) saveLocked() error {
	lock := flock.New(h.lockPath())
	locked, err := tryLockWithBackoff(lock, 5*time.Second)
	if err != nil || !locked {
		return fmt.Errorf("reter: save: could not acquire store lock")
	}
	defer lock.Unlock()

	fp, err := writeSnapshot(h.basePath, h.net)
	if err != nil {
		return err
	}
	h.baseFP = fp

	if h.journal != nil {
		_ = h.journal.close()
	}
	jw, err := createJournal(h.deltaPath, fp)
	if err != nil {
		return err
	}
	h.journal = jw
	return nil
}

// IsCompacting reports whether a background Compact is currently running.
func (h *Handle) IsCompacting() bool { return atomic.LoadInt32(&h.compactN) == 1 }

// Compact runs Save synchronously; it exists alongside CompactAsync
// because the underlying operation is identical (a fresh base absorbs the
// current delta) — compaction just runs it off the caller's goroutine.
func (h *Handle) Compact() error { return h.Save() }

// CompactAsync submits a compaction to Handle's worker pool and returns
// immediately; ErrConcurrentCompaction is returned if one is already
// running. WaitForCompaction blocks for the result.
func (h *Handle) CompactAsync(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&h.compactN, 0, 1) {
		return ErrConcurrentCompaction
	}
	h.compactWg.Add(1)
	err := h.pool.Submit(ctx, func() {
		defer h.compactWg.Done()
		defer atomic.StoreInt32(&h.compactN, 0)
		h.mu.Lock()
		h.compactErr = h.saveLocked()
		h.mu.Unlock()
	})
	if err != nil {
		atomic.StoreInt32(&h.compactN, 0)
		h.compactWg.Done()
		return err
	}
	return nil
}

// WaitForCompaction blocks until any in-flight CompactAsync finishes and
// returns its error.
func (h *Handle) WaitForCompaction() error {
	h.compactWg.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.compactErr
}

// BaseFactCount, DeltaFactCount, DeletedFactCount, FactCount report the
// counts named in spec §6 observability surface. This Handle keeps the base
// and delta merged in one live Network, so FactCount and BaseFactCount both
// report the live store's count. DeltaFactCount and DeletedFactCount read
// the delta journal instead: the facts added and the facts removed by its
// entries since the last Save.
func (h *Handle) FactCount() int { return h.net.Store.Count() }

func (h *Handle) BaseFactCount() int { return h.net.Store.Count() }

func (h *Handle) DeltaFactCount() (int, error) {
	_, entries, _, err := readJournal(h.deltaPath)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.op == opAddFact {
			n++
		}
		if e.op == opAddSourceBatch {
			_, recs, err := decodeAddSourceBatch(e.payload)
			if err == nil {
				n += len(recs)
			}
		}
	}
	return n, nil
}

func (h *Handle) DeletedFactCount() (int, error) {
	_, entries, _, err := readJournal(h.deltaPath)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.op == opRemoveFact {
			n++
		}
	}
	return n, nil
}

// DeltaPath returns the delta journal's file path.
func (h *Handle) DeltaPath() string { return h.deltaPath }

// DeltaFileSize returns the delta journal's current size in bytes.
func (h *Handle) DeltaFileSize() (int64, error) {
	if h.journal == nil {
		return 0, nil
	}
	return h.journal.size()
}

// Close releases the journal file handle (and any memory mapping left over
// from a lazy open that was never materialized). Close does not implicitly
// Save; callers that want a durable checkpoint call Save first. Held under
// the same cross-process flock as Save/Compact, matching the guarantee that
// no other process may be mutating this store's files while any of the
// three run.
func (h *Handle) Close() error {
	h.compactWg.Wait()

	lock := flock.New(h.lockPath())
	if locked, err := tryLockWithBackoff(lock, 5*time.Second); err == nil && locked {
		defer lock.Unlock()
	}

	if h.mapped != nil {
		_ = h.mapped.Unmap()
	}
	if h.mappedFile != nil {
		_ = h.mappedFile.Close()
	}
	if h.ownPool {
		h.pool.Shutdown()
	}
	if h.journal != nil {
		return h.journal.close()
	}
	return nil
}
