package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// OrphanCleanupConfig controls the orphan sweep
type OrphanCleanupConfig struct {
	// AgeThreshold protects objects whose document row may still be in flight
	AgeThreshold time.Duration
	BatchSize    int
	Prefix       string
}

// DefaultOrphanCleanupConfig returns default configuration
func DefaultOrphanCleanupConfig() OrphanCleanupConfig {
	return OrphanCleanupConfig{
		AgeThreshold: 24 * time.Hour,
		BatchSize:    1000,
		Prefix:       DocumentPrefix,
	}
}

// KeyChecker reports which storage keys are referenced by a document row.
// repository.DocumentRepository implements it.
type KeyChecker interface {
	BatchExists(ctx context.Context, storageKeys []string) (map[string]bool, error)
}

// CleanupResult holds the result of a cleanup run
type CleanupResult struct {
	StartTime      time.Time
	EndTime        time.Time
	FilesScanned   int
	OrphansFound   int
	OrphansDeleted int
	BytesFreed     int64
	Errors         []string
}

// OrphanSweeper deletes stored objects that no document references, such as
// uploads whose row insert failed after the object was written.
type OrphanSweeper struct {
	store  Store
	keys   KeyChecker
	config OrphanCleanupConfig
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	lastResult *CleanupResult
}

// NewOrphanSweeper creates a sweeper. now may be nil.
func NewOrphanSweeper(store Store, keys KeyChecker, config OrphanCleanupConfig, logger *slog.Logger, now func() time.Time) *OrphanSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	if config.Prefix == "" {
		config.Prefix = DocumentPrefix
	}
	return &OrphanSweeper{store: store, keys: keys, config: config, logger: logger, now: now}
}

// LastResult returns the result of the last sweep
func (j *OrphanSweeper) LastResult() *CleanupResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastResult
}

// Sweep runs one cleanup pass
func (j *OrphanSweeper) Sweep(ctx context.Context) (*CleanupResult, error) {
	result := &CleanupResult{StartTime: j.now()}
	defer func() {
		result.EndTime = j.now()
		j.mu.Lock()
		j.lastResult = result
		j.mu.Unlock()
	}()

	objects, err := j.store.List(ctx, j.config.Prefix)
	result.FilesScanned = len(objects)
	if err != nil {
		return result, fmt.Errorf("list objects: %w", err)
	}

	cutoff := result.StartTime.Add(-j.config.AgeThreshold)
	var candidates []Object
	for _, o := range objects {
		if o.LastModified.After(cutoff) {
			continue
		}
		candidates = append(candidates, o)
	}

	for i := 0; i < len(candidates); i += j.config.BatchSize {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, "context cancelled during sweep")
			return result, err
		}
		batch := candidates[i:min(i+j.config.BatchSize, len(candidates))]
		orphans, err := j.orphansIn(ctx, batch)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.OrphansFound += len(orphans)
		if len(orphans) == 0 {
			continue
		}

		keys := make([]string, len(orphans))
		var size int64
		for k, o := range orphans {
			keys[k] = o.Key
			size += o.Size
		}
		deleted, err := j.store.Delete(ctx, keys)
		result.OrphansDeleted += deleted
		if deleted == len(keys) {
			result.BytesFreed += size
		}
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	}

	j.logger.InfoContext(ctx, "orphan sweep completed",
		slog.Int("scanned", result.FilesScanned),
		slog.Int("found", result.OrphansFound),
		slog.Int("deleted", result.OrphansDeleted),
		slog.Int64("bytes_freed", result.BytesFreed),
		slog.Int("errors", len(result.Errors)),
	)
	return result, nil
}

func (j *OrphanSweeper) orphansIn(ctx context.Context, batch []Object) ([]Object, error) {
	keys := make([]string, len(batch))
	for i, o := range batch {
		keys[i] = o.Key
	}
	exists, err := j.keys.BatchExists(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to check database: %w", err)
	}
	var orphans []Object
	for _, o := range batch {
		if !exists[o.Key] {
			orphans = append(orphans, o)
		}
	}
	return orphans, nil
}
