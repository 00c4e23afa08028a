package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/regenlab/regencache/types"
	"github.com/regenlab/regencache/utils"
)

type FileConfig struct {
	// Dir is the cache root; entries live in Dir as one .json envelope per
	// key, named by the key's digest.
	Dir string `json:"dir"`

	DirMode  uint32 `json:"dir_mode"`
	FileMode uint32 `json:"file_mode"`
}

// FileStore persists entries on the local filesystem, one envelope file per
// key. Writes go through a temp file and rename so readers never observe a
// partial payload. Correct for a single process; multi-instance deployments
// need the redis backend or a shared lock.
type FileStore struct {
	ctx    context.Context
	logger types.Logger
	health types.HealthManager
	config *FileConfig

	// keyMu serializes writers per digest; the filesystem rename gives
	// atomicity but not write ordering.
	keyMu sync.Map
	// hardEpochs carries epochs for keys with no entry on disk yet.
	hardEpochs   map[string]uint64
	hardEpochsMu sync.Mutex

	started int32
}

type fileEnvelope struct {
	Entry *types.Entry `json:"entry"`
}

func NewFileStore(ctx context.Context, logger types.Logger, config *types.StoreConfig, health types.HealthManager) (types.EntryStore, error) {
	fileConfig := &FileConfig{}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, fileConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal file store config")
		}
	}

	// Zero modes from a partial config would chmod entries unreadable.
	if fileConfig.Dir == "" {
		fileConfig.Dir = ".regencache"
	}
	if fileConfig.DirMode == 0 {
		fileConfig.DirMode = 0o755
	}
	if fileConfig.FileMode == 0 {
		fileConfig.FileMode = 0o644
	}

	if err := os.MkdirAll(fileConfig.Dir, os.FileMode(fileConfig.DirMode)); err != nil {
		return nil, types.WrapError(err, "failed to create cache dir")
	}

	fs := &FileStore{
		ctx:        ctx,
		logger:     logger,
		health:     health,
		config:     fileConfig,
		hardEpochs: make(map[string]uint64),
	}

	if health != nil {
		health.RegisterChecker("store_file", fs.healthCheck)
	}

	return fs, nil
}

func (f *FileStore) Get(ctx context.Context, key string) (*types.Entry, error) {
	if key == "" {
		return nil, types.ErrEntryKeyEmpty
	}

	data, err := os.ReadFile(f.entryPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.ErrEntryNotFound
		}
		return nil, types.WrapError(types.ErrStoreUnavailable, err.Error())
	}

	var envelope fileEnvelope
	if err := utils.Unmarshal(data, &envelope); err != nil {
		return nil, types.WrapError(err, "failed to unmarshal entry envelope")
	}
	if envelope.Entry == nil {
		return nil, types.ErrEntryNotFound
	}

	return envelope.Entry, nil
}

func (f *FileStore) Replace(ctx context.Context, entry *types.Entry, observedHardEpoch uint64) error {
	if entry == nil || entry.Key == "" {
		return types.ErrEntryKeyEmpty
	}

	unlock := f.lockKey(entry.Key)
	defer unlock()

	old, err := f.Get(ctx, entry.Key)
	if err != nil && !types.IsError(err, types.ErrEntryNotFound) {
		return err
	}

	currentEpoch := f.currentEpoch(entry.Key, old)
	if currentEpoch > observedHardEpoch {
		return types.ErrInvalidationConflict
	}

	stored := entry.Clone()
	stored.State = types.StateCommitted
	stored.HardEpoch = currentEpoch
	if old != nil {
		stored.Generation = old.Generation + 1
	} else {
		stored.Generation = 1
	}

	return f.writeEnvelope(stored)
}

func (f *FileStore) MarkInvalidated(ctx context.Context, key string, hard bool) error {
	if key == "" {
		return types.ErrEntryKeyEmpty
	}

	unlock := f.lockKey(key)
	defer unlock()

	entry, err := f.Get(ctx, key)
	if err != nil {
		if types.IsError(err, types.ErrEntryNotFound) {
			if hard {
				f.bumpOrphanEpoch(key)
			}
			return nil
		}
		return err
	}

	entry.State = types.StateInvalidated
	if hard {
		entry.HardEpoch++
	}

	return f.writeEnvelope(entry)
}

func (f *FileStore) InvalidateTag(ctx context.Context, tag string, hard bool) (int, error) {
	count := 0

	err := f.Scan(ctx, func(entry *types.Entry) bool {
		if !entry.HasTag(tag) {
			return true
		}
		if err := f.MarkInvalidated(ctx, entry.Key, hard); err != nil {
			f.logger.Error("failed to invalidate tagged entry",
				zap.String("tag", tag), zap.String("key", entry.Key), zap.Error(err))
			return true
		}
		count++
		return true
	})

	return count, err
}

func (f *FileStore) Scan(ctx context.Context, fn func(*types.Entry) bool) error {
	dirEntries, err := os.ReadDir(f.config.Dir)
	if err != nil {
		return types.WrapError(types.ErrStoreUnavailable, err.Error())
	}

	for _, de := range dirEntries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(f.config.Dir, de.Name()))
		if err != nil {
			continue
		}

		var envelope fileEnvelope
		if err := utils.Unmarshal(data, &envelope); err != nil || envelope.Entry == nil {
			continue
		}

		if !fn(envelope.Entry) {
			return nil
		}
	}

	return nil
}

func (f *FileStore) Start() error {
	if !atomic.CompareAndSwapInt32(&f.started, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	f.logger.Info("File store started", zap.String("dir", f.config.Dir))
	return nil
}

func (f *FileStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&f.started, 1, 0) {
		return types.ErrServerNotRunning
	}

	f.logger.Info("File store stopped")
	return nil
}

func (f *FileStore) IsRunning() bool {
	return atomic.LoadInt32(&f.started) == 1
}

func (f *FileStore) writeEnvelope(entry *types.Entry) error {
	data, err := utils.Marshal(&fileEnvelope{Entry: entry})
	if err != nil {
		return types.WrapError(err, "failed to marshal entry envelope")
	}

	target := f.entryPath(entry.Key)

	tmp, err := os.CreateTemp(f.config.Dir, "write-*.tmp")
	if err != nil {
		return types.WrapError(types.ErrStoreUnavailable, err.Error())
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return types.WrapError(types.ErrStoreUnavailable, err.Error())
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return types.WrapError(types.ErrStoreUnavailable, err.Error())
	}

	if err := os.Chmod(tmpName, os.FileMode(f.config.FileMode)); err != nil {
		os.Remove(tmpName)
		return types.WrapError(types.ErrStoreUnavailable, err.Error())
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return types.WrapError(types.ErrStoreUnavailable, err.Error())
	}

	return nil
}

func (f *FileStore) lockKey(key string) func() {
	muIface, _ := f.keyMu.LoadOrStore(key, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// currentEpoch prefers the on-disk epoch; the in-memory map only covers hard
// invalidations issued while no entry existed yet.
func (f *FileStore) currentEpoch(key string, entry *types.Entry) uint64 {
	f.hardEpochsMu.Lock()
	orphan := f.hardEpochs[key]
	f.hardEpochsMu.Unlock()

	if entry != nil && entry.HardEpoch > orphan {
		return entry.HardEpoch
	}
	return orphan
}

func (f *FileStore) bumpOrphanEpoch(key string) {
	f.hardEpochsMu.Lock()
	f.hardEpochs[key]++
	f.hardEpochsMu.Unlock()
}

func (f *FileStore) entryPath(key string) string {
	return filepath.Join(f.config.Dir, utils.KeyDigest(key)+".json")
}

func (f *FileStore) healthCheck(ctx context.Context) types.HealthCheck {
	start := time.Now()
	check := types.HealthCheck{
		Name:      "store_file",
		LastCheck: start,
	}

	if _, err := os.Stat(f.config.Dir); err != nil {
		check.Status = types.StatusUnhealthy
		check.Message = err.Error()
	} else {
		check.Status = types.StatusHealthy
	}

	check.Duration = time.Since(start)
	return check
}
