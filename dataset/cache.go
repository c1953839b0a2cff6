package dataset

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/YuminosukeSato/wekadl/pkg/errors"
	"github.com/YuminosukeSato/wekadl/pkg/log"
)

// CacheMode selects where encoded batches are cached between epochs.
type CacheMode string

const (
	CacheNone       CacheMode = "none"
	CacheMemory     CacheMode = "memory"
	CacheFilesystem CacheMode = "filesystem"
)

// ParseCacheMode parses the -cacheMode option value.
func ParseCacheMode(s string) (CacheMode, error) {
	switch m := CacheMode(strings.ToLower(s)); m {
	case CacheNone, CacheMemory, CacheFilesystem:
		return m, nil
	}
	return "", errors.NewValidationError("cacheMode", "must be none, memory or filesystem", s)
}

// CacheKey identifies one cached batch.
type CacheKey struct {
	Epoch int
	Batch int
}

// CacheStore はバッチの保存先
//
// Bind で現在のデータの fingerprint を渡す。以前と異なる fingerprint の
// エントリは二度と返さない。
type CacheStore interface {
	Bind(fingerprint uint64) error
	Get(key CacheKey) (*DataSet, bool, error)
	Put(key CacheKey, ds *DataSet) error
	Clear() error
}

// memoryBudget はキャッシュが使うバイト数の上限を管理する
type memoryBudget struct {
	max  int64
	used int64
}

func (b *memoryBudget) canAllocate(n int64) bool { return b.used+n <= b.max }

func (b *memoryBudget) allocate(n int64) error {
	if !b.canAllocate(n) {
		return errors.Newf("memory limit exceeded: %d + %d > %d", b.used, n, b.max)
	}
	b.used += n
	return nil
}

func (b *memoryBudget) free(n int64) {
	b.used -= n
	if b.used < 0 {
		b.used = 0
	}
}

// DefaultMemoryBudgetMB is the default memory cache size.
const DefaultMemoryBudgetMB = 512

// MemoryStore はメモリ上にバッチを保持する
// 上限を超えるときは最も古いエポックから捨てる
type MemoryStore struct {
	mu          sync.Mutex
	fingerprint uint64
	entries     map[CacheKey]*DataSet
	budget      memoryBudget
}

// NewMemoryStore creates a store limited to maxMemoryMB megabytes.
func NewMemoryStore(maxMemoryMB int64) *MemoryStore {
	if maxMemoryMB <= 0 {
		maxMemoryMB = DefaultMemoryBudgetMB
	}
	return &MemoryStore{
		entries: make(map[CacheKey]*DataSet),
		budget:  memoryBudget{max: maxMemoryMB * 1024 * 1024},
	}
}

// Bind implements CacheStore.
func (s *MemoryStore) Bind(fingerprint uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fingerprint != fingerprint {
		s.clearLocked()
		s.fingerprint = fingerprint
	}
	return nil
}

// Get implements CacheStore.
func (s *MemoryStore) Get(key CacheKey) (*DataSet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.entries[key]
	return ds, ok, nil
}

// Put implements CacheStore. A batch larger than the whole budget is not cached.
func (s *MemoryStore) Put(key CacheKey, ds *DataSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := ds.Bytes()
	if size > s.budget.max {
		return nil
	}
	for !s.budget.canAllocate(size) {
		if !s.evictOldestEpochLocked(key.Epoch) {
			return nil
		}
	}
	if old, ok := s.entries[key]; ok {
		s.budget.free(old.Bytes())
	}
	s.entries[key] = ds
	return s.budget.allocate(size)
}

func (s *MemoryStore) evictOldestEpochLocked(current int) bool {
	oldest := current
	for k := range s.entries {
		if k.Epoch < oldest {
			oldest = k.Epoch
		}
	}
	if oldest == current {
		return false
	}
	for k, ds := range s.entries {
		if k.Epoch == oldest {
			s.budget.free(ds.Bytes())
			delete(s.entries, k)
		}
	}
	return true
}

// Clear implements CacheStore.
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
	return nil
}

func (s *MemoryStore) clearLocked() {
	s.entries = make(map[CacheKey]*DataSet)
	s.budget.used = 0
}

// Usage returns the cached bytes and the budget.
func (s *MemoryStore) Usage() (used, max int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budget.used, s.budget.max
}

const cacheDirPrefix = "wekadl-cache-"

// FileStore はバッチを gob ファイルとして保存する
// ディレクトリ名に fingerprint を含めるので、データが変わると古いファイルは使われない
type FileStore struct {
	root string
	dir  string
}

// NewFileStore creates a store under root. An empty root uses os.TempDir().
func NewFileStore(root string) *FileStore {
	if root == "" {
		root = os.TempDir()
	}
	return &FileStore{root: root}
}

// Bind implements CacheStore. Directories of other fingerprints are removed.
func (s *FileStore) Bind(fingerprint uint64) error {
	name := fmt.Sprintf("%s%016x", cacheDirPrefix, fingerprint)
	s.dir = filepath.Join(s.root, name)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrapf(err, "create cache directory %s", s.dir)
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return errors.Wrapf(err, "read cache root %s", s.root)
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), cacheDirPrefix) && e.Name() != name {
			if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
				return errors.Wrapf(err, "remove stale cache %s", e.Name())
			}
		}
	}
	return nil
}

func (s *FileStore) path(key CacheKey) string {
	return filepath.Join(s.dir, fmt.Sprintf("e%d-b%d.gob", key.Epoch, key.Batch))
}

// Get implements CacheStore.
func (s *FileStore) Get(key CacheKey) (*DataSet, bool, error) {
	if s.dir == "" {
		return nil, false, errors.New("file cache is not bound")
	}
	f, err := os.Open(s.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "open cached batch")
	}
	defer f.Close()
	var ds DataSet
	if err := gob.NewDecoder(f).Decode(&ds); err != nil {
		return nil, false, errors.Wrap(err, "decode cached batch")
	}
	return &ds, true, nil
}

// Put implements CacheStore.
func (s *FileStore) Put(key CacheKey, ds *DataSet) error {
	if s.dir == "" {
		return errors.New("file cache is not bound")
	}
	tmp, err := os.CreateTemp(s.dir, "batch-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create cached batch")
	}
	if err := gob.NewEncoder(tmp).Encode(ds); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "encode cached batch")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close cached batch")
	}
	return errors.Wrap(os.Rename(tmp.Name(), s.path(key)), "store cached batch")
}

// Clear implements CacheStore.
func (s *FileStore) Clear() error {
	if s.dir == "" {
		return nil
	}
	return errors.Wrap(os.RemoveAll(s.dir), "clear file cache")
}

// Files lists the cached batch files, sorted.
func (s *FileStore) Files() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.gob"))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	sort.Strings(matches)
	return matches, nil
}

// CachingIterator は元イテレータのバッチを CacheStore に保存し、
// 同じ (エポック, バッチ) の2回目以降はキャッシュから返す
//
// 元イテレータがエポックごとにシャッフルしない場合、全エポックが
// エポック0のエントリを共有する。
type CachingIterator struct {
	src   Source
	store CacheStore

	batch    int
	srcBatch int
	logger   log.Logger

	hits, misses int
}

// NewCachingIterator binds store to the source fingerprint, invalidating stale entries.
func NewCachingIterator(src Source, store CacheStore) (*CachingIterator, error) {
	if err := store.Bind(src.Fingerprint()); err != nil {
		return nil, err
	}
	return &CachingIterator{
		src:    src,
		store:  store,
		logger: log.GetLogger().With(log.ComponentKey, "CachingIterator"),
	}, nil
}

func (c *CachingIterator) key() CacheKey {
	epoch := 0
	if s, ok := c.src.(interface{ Shuffled() bool }); ok && s.Shuffled() {
		epoch = c.src.Epoch()
	}
	return CacheKey{Epoch: epoch, Batch: c.batch}
}

// HasNext implements Iterator.
func (c *CachingIterator) HasNext() bool {
	return c.batch*c.src.BatchSize() < c.src.TotalExamples()
}

// Next implements Iterator.
func (c *CachingIterator) Next() (*DataSet, error) {
	if !c.HasNext() {
		return nil, errors.Wrapf(errors.ErrIteratorExhausted, "batch %d", c.batch)
	}
	key := c.key()
	ds, ok, err := c.store.Get(key)
	if err != nil {
		return nil, err
	}
	if ok {
		c.hits++
		c.batch++
		return ds, nil
	}

	c.misses++
	// 先行するバッチがキャッシュから返された場合は元イテレータを追いつかせる
	for c.srcBatch < c.batch {
		if _, err := c.src.Next(); err != nil {
			return nil, err
		}
		c.srcBatch++
	}
	ds, err = c.src.Next()
	if err != nil {
		return nil, err
	}
	c.srcBatch++
	c.batch++
	if err := c.store.Put(key, ds); err != nil {
		c.logger.Warn("failed to cache batch", log.EpochKey, key.Epoch, log.BatchKey, key.Batch, "error", err)
	}
	return ds, nil
}

// Reset implements Iterator.
func (c *CachingIterator) Reset() {
	c.src.Reset()
	c.batch = 0
	c.srcBatch = 0
}

// BatchSize implements Iterator.
func (c *CachingIterator) BatchSize() int { return c.src.BatchSize() }

// TotalExamples implements Iterator.
func (c *CachingIterator) TotalExamples() int { return c.src.TotalExamples() }

// Epoch implements Iterator.
func (c *CachingIterator) Epoch() int { return c.src.Epoch() }

// Fingerprint implements Source.
func (c *CachingIterator) Fingerprint() uint64 { return c.src.Fingerprint() }

// Stats returns cache hits and misses so far.
func (c *CachingIterator) Stats() (hits, misses int) { return c.hits, c.misses }
