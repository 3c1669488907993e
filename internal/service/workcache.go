package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/Strob0t/storepilot/internal/domain"
	"github.com/Strob0t/storepilot/internal/domain/digest"
	"github.com/Strob0t/storepilot/internal/domain/rules"
	"github.com/Strob0t/storepilot/internal/domain/run"
	"github.com/Strob0t/storepilot/internal/port/cache"
	"github.com/Strob0t/storepilot/internal/port/database"
)

const reuseNamespace = "reuse"

// ComputeWorkKey identifies a unit of generation work. It is independent of
// the order of targetIDs.
func ComputeWorkKey(playbookID string, targetIDs []string, r rules.Rules) string {
	ids := slices.Clone(targetIDs)
	slices.Sort(ids)
	parts := make([]string, 0, len(ids)+2)
	parts = append(parts, playbookID)
	parts = append(parts, ids...)
	parts = append(parts, string(r.Canonical()))
	return digest.Hash(parts...)
}

// WorkCache finds earlier original generations of the same work. Positive
// lookups are memoised because terminal runs never change; misses are not.
type WorkCache struct {
	store database.RunStore
	cache cache.Cache
	ttl   time.Duration
}

// NewWorkCache creates a WorkCache. c may be nil.
func NewWorkCache(store database.RunStore, c cache.Cache, ttl time.Duration) *WorkCache {
	return &WorkCache{store: store, cache: c, ttl: ttl}
}

// FindReusable returns the newest SUCCEEDED, ai_used, non-reused run with
// workKey, or nil when there is none.
func (w *WorkCache) FindReusable(ctx context.Context, projectID, playbookID string, t run.Type, workKey string) (*run.Run, error) {
	key := cache.Key(reuseNamespace, projectID, playbookID, string(t), workKey)

	if w.cache != nil {
		data, ok, err := w.cache.Get(ctx, key)
		if err != nil {
			slog.WarnContext(ctx, "work cache get failed", "key", key, "error", err)
		}
		if ok {
			var r run.Run
			if err := json.Unmarshal(data, &r); err == nil {
				return &r, nil
			}
			slog.WarnContext(ctx, "work cache entry corrupt", "key", key)
		}
	}

	r, err := w.store.FindReusableRun(ctx, projectID, playbookID, t, workKey)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find reusable run: %w", err)
	}

	if w.cache != nil {
		data, err := json.Marshal(r)
		if err == nil {
			err = w.cache.Set(ctx, key, data, w.ttl)
		}
		if err != nil {
			slog.WarnContext(ctx, "work cache set failed", "key", key, "error", err)
		}
	}
	return r, nil
}
