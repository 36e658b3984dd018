// Package keystore bounds the growth of persisted rotating pre-key material.
//
// Pre-keys are identified by name ("pre-key-<n>", optionally with a ".json"
// suffix). Only the N entries with the highest ordinal are kept. Anything
// that is not a pre-key (identity, sessions, sender keys, the device
// database itself) is never removed.
package keystore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	preKeyPrefix = "pre-key-"

	// DefaultKeep is the number of pre-keys retained when none is configured.
	DefaultKeep = 2
)

// Store lists and removes persisted key material entries.
type Store interface {
	// List returns the names of all persisted entries.
	List(ctx context.Context) ([]string, error)

	// Remove deletes one entry by name.
	Remove(ctx context.Context, name string) error

	// Describe names the store for log output.
	Describe() string
}

// Entry is a parsed entry name.
type Entry struct {
	Name    string
	Ordinal int
	PreKey  bool
}

// ParseEntry classifies name. Names with the pre-key prefix but without a
// numeric ordinal are not treated as pre-keys, so they are never removed.
func ParseEntry(name string) Entry {
	if !strings.HasPrefix(name, preKeyPrefix) {
		return Entry{Name: name}
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, preKeyPrefix), ".json")
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return Entry{Name: name}
	}
	return Entry{Name: name, Ordinal: n, PreKey: true}
}

// PreKeyName returns the canonical entry name for ordinal n.
func PreKeyName(n int) string {
	return preKeyPrefix + strconv.Itoa(n)
}

// Result summarizes one retention pass.
type Result struct {
	Removed []string
	Kept    int
}

// Pruner applies the retention policy to a Store.
type Pruner struct {
	mu     sync.Mutex // serializes passes from the worker and credential hooks
	store  Store
	keep   int
	logger *slog.Logger
}

// NewPruner creates a pruner that keeps the newest keep pre-keys.
func NewPruner(store Store, keep int, logger *slog.Logger) *Pruner {
	if keep < 0 {
		keep = DefaultKeep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{store: store, keep: keep, logger: logger}
}

// Prune runs one retention pass. An I/O error aborts the pass; entries
// already removed stay removed and the next pass picks up the rest. The
// error is logged here and returned for callers that want it, but it is
// never fatal.
func (p *Pruner) Prune(ctx context.Context) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	names, err := p.store.List(ctx)
	if err != nil {
		p.logger.Error("auth_cleanup_failed", "error", err, "store", p.store.Describe())
		return Result{}, fmt.Errorf("list key material: %w", err)
	}

	var preKeys []Entry
	others := 0
	for _, name := range names {
		e := ParseEntry(name)
		if e.PreKey {
			preKeys = append(preKeys, e)
		} else {
			others++
		}
	}

	sort.SliceStable(preKeys, func(i, j int) bool {
		return preKeys[i].Ordinal > preKeys[j].Ordinal
	})

	var res Result
	if len(preKeys) > p.keep {
		for _, e := range preKeys[p.keep:] {
			if err := p.store.Remove(ctx, e.Name); err != nil {
				p.logger.Error("auth_cleanup_failed",
					"error", err,
					"file", e.Name,
					"files_removed", len(res.Removed),
					"store", p.store.Describe())
				res.Kept = len(preKeys) - len(res.Removed) + others
				return res, fmt.Errorf("remove %s: %w", e.Name, err)
			}
			res.Removed = append(res.Removed, e.Name)
			p.logger.Info("auth_file_cleaned", "file", e.Name)
		}
	}

	res.Kept = len(preKeys) - len(res.Removed) + others
	p.logger.Info("auth_cleanup_completed",
		"files_removed", len(res.Removed),
		"files_kept", res.Kept,
		"store", p.store.Describe())
	return res, nil
}
