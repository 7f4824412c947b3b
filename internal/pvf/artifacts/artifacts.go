// Package artifacts keeps prepared PVF artifacts on local disk and prepares missing ones.
package artifacts

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"pvfexec/internal/pvf/checksum"
	"pvfexec/internal/pvf/executor"
	"pvfexec/internal/pvf/observer"
	"pvfexec/internal/pvf/primitives"
	"pvfexec/internal/pvf/pvf"
	appErr "pvfexec/pkg/errors"
	"pvfexec/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	ArtifactFileName = "artifact"
	metaFileName     = "meta.json"
	tempFileName     = "artifact.tmp"
)

// ArtifactID names a prepared artifact. Parameter sets that differ only in settings that do
// not affect compilation share one artifact.
type ArtifactID struct {
	CodeHash       primitives.Hash
	ParamsPrepHash primitives.ExecutorParamsPrepHash
}

// IDFor returns the artifact id of p.
func IDFor(p pvf.PrepData) ArtifactID {
	return ArtifactID{CodeHash: p.CodeHash(), ParamsPrepHash: p.ExecutorParams().PrepHash()}
}

// String is also the directory name of the artifact.
func (id ArtifactID) String() string {
	return hex.EncodeToString(id.CodeHash[:]) + "_" + hex.EncodeToString(id.ParamsPrepHash[:])
}

// Artifact is a prepared artifact on disk.
type Artifact struct {
	ID       ArtifactID
	Path     string
	Checksum checksum.ArtifactChecksum
	Size     int64
}

type artifactMeta struct {
	ID         string `json:"id"`
	Checksum   uint64 `json:"checksum"`
	Size       int64  `json:"size"`
	PreparedAt int64  `json:"prepared_at"`
}

// PrepareFunc compiles code into an artifact.
type PrepareFunc func(code []byte, params primitives.ExecutorParams, bombLimit uint64) ([]byte, error)

// PrecheckFunc tells whether code would prepare.
type PrecheckFunc func(code []byte, params primitives.ExecutorParams, bombLimit uint64) error

// Config bounds the cache.
type Config struct {
	Root       string
	TTL        time.Duration
	MaxEntries int
	MaxBytes   int64
}

type cacheEntry struct {
	key       string
	artifact  Artifact
	expiresAt time.Time
}

// Cache manages prepared artifacts under a root directory, evicting the least recently used
// ones once the entry or byte budget is exceeded.
type Cache struct {
	cfg      Config
	prepare  PrepareFunc
	precheck PrecheckFunc
	recorder observer.Recorder
	group    singleflight.Group

	mu        sync.Mutex
	entries   map[string]*cacheEntry
	lruKeys   []string
	totalSize int64
	now       func() time.Time
}

// NewCache creates a cache that prepares with the wasmtime executor.
func NewCache(cfg Config, recorder observer.Recorder) *Cache {
	return NewCacheWithPreparer(cfg, executor.Prepare, executor.Precheck, recorder)
}

func NewCacheWithPreparer(cfg Config, prepare PrepareFunc, precheck PrecheckFunc, recorder observer.Recorder) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 64
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if recorder == nil {
		recorder = observer.Noop{}
	}
	return &Cache{
		cfg:      cfg,
		prepare:  prepare,
		precheck: precheck,
		recorder: recorder,
		entries:  make(map[string]*cacheEntry),
		now:      time.Now,
	}
}

// Get returns the artifact for p, preparing it when neither memory nor disk has it.
// Concurrent calls for the same artifact share one preparation.
func (c *Cache) Get(ctx context.Context, p pvf.PrepData) (Artifact, error) {
	if c.cfg.Root == "" {
		return Artifact{}, appErr.New(appErr.CacheError).WithMessage("artifact root is not configured")
	}
	id := IDFor(p)
	key := id.String()

	if a, ok := c.hitEntry(key); ok {
		c.recorder.ArtifactLookup(true)
		return a, nil
	}
	if a, ok := c.checkDisk(id); ok {
		c.recorder.ArtifactLookup(true)
		c.addEntry(key, a)
		return a, nil
	}
	c.recorder.ArtifactLookup(false)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		if a, ok := c.checkDisk(id); ok {
			return a, nil
		}
		return c.prepareArtifact(ctx, id, p)
	})
	select {
	case <-ctx.Done():
		return Artifact{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Artifact{}, res.Err
		}
		a := res.Val.(Artifact)
		c.addEntry(key, a)
		return a, nil
	}
}

// Precheck compiles p without keeping the artifact, bounded by its preparation timeout.
func (c *Cache) Precheck(ctx context.Context, p pvf.PrepData) error {
	return runWithTimeout(ctx, p.PrepTimeout(), func() error {
		return c.precheck(p.MaybeCompressedCode(), p.ExecutorParams(), uint64(p.ValidationCodeBombLimit()))
	})
}

func (c *Cache) prepareArtifact(ctx context.Context, id ArtifactID, p pvf.PrepData) (Artifact, error) {
	start := c.now()
	var compiled []byte
	err := runWithTimeout(ctx, p.PrepTimeout(), func() error {
		var err error
		compiled, err = c.prepare(p.MaybeCompressedCode(), p.ExecutorParams(), uint64(p.ValidationCodeBombLimit()))
		return err
	})
	c.recorder.ObservePreparation(c.now().Sub(start), err)
	if err != nil {
		logger.Warn(ctx, "artifacts: preparation failed", zap.String("artifact_id", id.String()), zap.Error(err))
		return Artifact{}, err
	}
	a, err := c.writeArtifact(id, compiled)
	if err != nil {
		return Artifact{}, err
	}
	logger.Info(ctx, "artifacts: prepared",
		zap.String("artifact_id", id.String()),
		zap.Int64("size", a.Size),
		zap.Duration("elapsed", c.now().Sub(start)),
	)
	return a, nil
}

// runWithTimeout runs f on its own goroutine. Compilation cannot be interrupted, so on timeout
// the goroutine is left to finish and its result is dropped.
func runWithTimeout(ctx context.Context, timeout time.Duration, f func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- f()
	}()
	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	select {
	case err := <-done:
		return err
	case <-timeoutC:
		return appErr.Newf(appErr.PrepareTimeout, "preparation did not finish within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) dir(id ArtifactID) string {
	return filepath.Join(c.cfg.Root, id.String())
}

func (c *Cache) writeArtifact(id ArtifactID, compiled []byte) (Artifact, error) {
	dir := c.dir(id)
	if err := os.RemoveAll(dir); err != nil {
		return Artifact{}, appErr.Wrapf(err, appErr.ArtifactWrite, "cleanup artifact dir failed")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, appErr.Wrapf(err, appErr.ArtifactWrite, "create artifact dir failed")
	}
	tmp := filepath.Join(dir, tempFileName)
	if err := os.WriteFile(tmp, compiled, 0o644); err != nil {
		return Artifact{}, appErr.Wrapf(err, appErr.ArtifactWrite, "write artifact failed")
	}
	path := filepath.Join(dir, ArtifactFileName)
	if err := os.Rename(tmp, path); err != nil {
		return Artifact{}, appErr.Wrapf(err, appErr.ArtifactWrite, "rename artifact failed")
	}

	a := Artifact{ID: id, Path: path, Checksum: checksum.Compute(compiled), Size: int64(len(compiled))}
	meta := artifactMeta{ID: id.String(), Checksum: uint64(a.Checksum), Size: a.Size, PreparedAt: c.now().Unix()}
	metaBytes, _ := json.Marshal(meta)
	if err := os.WriteFile(filepath.Join(dir, metaFileName), metaBytes, 0o644); err != nil {
		return Artifact{}, appErr.Wrapf(err, appErr.ArtifactWrite, "write meta failed")
	}
	return a, nil
}

// checkDisk accepts an artifact left by an earlier run when its meta matches the file size.
// The checksum itself is verified by the worker before every execution.
func (c *Cache) checkDisk(id ArtifactID) (Artifact, bool) {
	dir := c.dir(id)
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return Artifact{}, false
	}
	var meta artifactMeta
	if err := json.Unmarshal(data, &meta); err != nil || meta.ID != id.String() {
		return Artifact{}, false
	}
	path := filepath.Join(dir, ArtifactFileName)
	info, err := os.Stat(path)
	if err != nil || info.Size() != meta.Size {
		return Artifact{}, false
	}
	return Artifact{ID: id, Path: path, Checksum: checksum.ArtifactChecksum(meta.Checksum), Size: meta.Size}, true
}

func (c *Cache) hitEntry(key string) (Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Artifact{}, false
	}
	if c.now().After(entry.expiresAt) {
		c.removeEntryLocked(key)
		return Artifact{}, false
	}
	entry.expiresAt = c.now().Add(c.cfg.TTL)
	c.touchLocked(key)
	return entry.artifact, true
}

func (c *Cache) addEntry(key string, a Artifact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok {
		c.totalSize -= existing.artifact.Size
	}
	c.entries[key] = &cacheEntry{key: key, artifact: a, expiresAt: c.now().Add(c.cfg.TTL)}
	c.totalSize += a.Size
	c.touchLocked(key)
	c.evictLocked(key)
}

// Remove drops an artifact from memory and disk, e.g. after a worker reported it corrupted.
func (c *Cache) Remove(id ArtifactID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := id.String()
	if _, ok := c.entries[key]; ok {
		c.removeEntryLocked(key)
		return
	}
	_ = os.RemoveAll(c.dir(id))
}

// Prune removes expired entries and returns how many were removed.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var expired []string
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			expired = append(expired, key)
		}
	}
	sort.Strings(expired)
	for _, key := range expired {
		c.removeEntryLocked(key)
	}
	return len(expired)
}

// Stats reports the number of tracked artifacts and their total size.
func (c *Cache) Stats() (int, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), c.totalSize
}

func (c *Cache) touchLocked(key string) {
	for i, k := range c.lruKeys {
		if k == key {
			c.lruKeys = append(c.lruKeys[:i], c.lruKeys[i+1:]...)
			break
		}
	}
	c.lruKeys = append(c.lruKeys, key)
}

// evictLocked never evicts keep, the entry that was just added.
func (c *Cache) evictLocked(keep string) {
	for len(c.lruKeys) > 1 {
		overEntries := c.cfg.MaxEntries > 0 && len(c.entries) > c.cfg.MaxEntries
		overBytes := c.cfg.MaxBytes > 0 && c.totalSize > c.cfg.MaxBytes
		if !overEntries && !overBytes {
			return
		}
		oldest := c.lruKeys[0]
		if oldest == keep {
			return
		}
		c.removeEntryLocked(oldest)
	}
}

func (c *Cache) removeEntryLocked(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.lruKeys {
		if k == key {
			c.lruKeys = append(c.lruKeys[:i], c.lruKeys[i+1:]...)
			break
		}
	}
	c.totalSize -= entry.artifact.Size
	_ = os.RemoveAll(filepath.Dir(entry.artifact.Path))
}
