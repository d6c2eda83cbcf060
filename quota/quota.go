// Package quota implements cache-size accounting and the watermark-driven
// eviction loop: Clean walks cas.Store.ListRefs (already in LRU order by
// ref mtime) evicting refs until the cache size estimate drops below the
// lower threshold, skipping anything in the caller's required set.
/*
 * Copyright (c) 2024, BuildStream Go Authors. All rights reserved.
 */
package quota

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"go.uber.org/atomic"

	"github.com/buildstream-go/bst-core/cas"
	"github.com/buildstream-go/bst-core/cmn/cerr"
)

// ProgressFunc is called once per ref evicted during Clean. A nil
// ProgressFunc is fine; NewMPBProgress in progress.go wires one backed by
// vbauerster/mpb for interactive callers.
type ProgressFunc func(removedRef string, bytesFreed int64)

// RequiredFunc reports whether a ref's cache key is in the pipeline's
// required set. The artifact package builds
// this from its pinned strong/weak keys; quota has no opinion on element
// identity.
type RequiredFunc func(ref string) bool

// Accounting tracks the cache-size estimate, the configured quota, and
// drives eviction.
type Accounting struct {
	store *cas.Store
	root  string // cache root, where the cache_size file lives

	size atomic.Int64 // -1 == not yet loaded (Option<u64>)

	Quota          int64
	Headroom       int64
	LowerThreshold int64
}

const cacheSizeFile = "cache_size"
const unknownSize = -1

// VolumeStat reports the current usage and available space for the volume
// the cache root lives on, so the quota expression ("800M"|"50%"|"") can be
// resolved and validated.
type VolumeStat struct {
	CurrentBytes   int64
	AvailableBytes int64
}

// New creates cache-size accounting rooted at root, resolving quotaExpr
// against vol.
func New(store *cas.Store, root, quotaExpr string, headroom int64, vol VolumeStat) (*Accounting, error) {
	quota, err := resolveQuota(quotaExpr, headroom, vol.CurrentBytes, vol.AvailableBytes)
	if err != nil {
		return nil, err
	}
	if quotaExpr == "" {
		glog.V(2).Infof("quota: no quota configured, using current+available (%d bytes)", quota)
	}
	a := &Accounting{
		store:          store,
		root:           root,
		Quota:          quota,
		Headroom:       headroom,
		LowerThreshold: quota / 2,
	}
	a.size.Store(unknownSize)
	return a, nil
}

func (a *Accounting) sizeFilePath() string { return filepath.Join(a.root, cacheSizeFile) }

// GetCacheSize returns the cached estimate, loading it from the persisted
// file (or computing it fresh if no file exists) on first call.
func (a *Accounting) GetCacheSize() (int64, error) {
	if v := a.size.Load(); v != unknownSize {
		return v, nil
	}
	b, err := os.ReadFile(a.sizeFilePath())
	if err == nil {
		n, perr := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
		if perr == nil {
			a.size.Store(n)
			return n, nil
		}
		glog.Warningf("quota: corrupt cache_size file, recomputing: %v", perr)
	} else if !os.IsNotExist(err) {
		return 0, cerr.Wrap(cerr.Artifact, cerr.IO, "cannot read cache_size", err)
	}
	return a.ComputeCacheSize()
}

// SetCacheSize updates the in-memory estimate and, if persist, atomically
// rewrites the cache_size file (write-temp-then-rename).
func (a *Accounting) SetCacheSize(n int64, persist bool) error {
	a.size.Store(n)
	if !persist {
		return nil
	}
	tmp, err := os.CreateTemp(a.root, "cache_size-*")
	if err != nil {
		return cerr.Wrap(cerr.Artifact, cerr.IO, "cannot create cache_size tmp file", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := fmt.Fprintf(tmp, "%d", n); err != nil {
		tmp.Close()
		return cerr.Wrap(cerr.Artifact, cerr.IO, "cannot write cache_size", err)
	}
	if err := tmp.Close(); err != nil {
		return cerr.Wrap(cerr.Artifact, cerr.IO, "cannot close cache_size tmp file", err)
	}
	if err := os.Rename(tmp.Name(), a.sizeFilePath()); err != nil {
		return cerr.Wrap(cerr.Artifact, cerr.IO, "cannot persist cache_size", err)
	}
	return nil
}

// AddArtifactSize increments the estimate without a full recomputation —
// the cheap path callers take after committing a new artifact.
func (a *Accounting) AddArtifactSize(n int64) {
	a.size.Add(n)
}

// ComputeCacheSize recomputes the true size from the store, replacing and
// persisting the estimate.
func (a *Accounting) ComputeCacheSize() (int64, error) {
	n, err := a.store.CalculateCacheSize()
	if err != nil {
		return 0, err
	}
	if err := a.SetCacheSize(n, true); err != nil {
		return 0, err
	}
	return n, nil
}

// Full reports whether the cache estimate exceeds the configured quota.
func (a *Accounting) Full() bool {
	return a.size.Load() > a.Quota
}

// Clean runs the eviction loop:
//
//	compute_cache_size()
//	list = list_refs() in LRU order
//	while cache_size >= lower_threshold:
//	    pick next ref r from list
//	    if r.key in required: skip
//	    bytes = remove_ref(r); cache_size -= bytes
//	    progress_cb()
//	    if list exhausted and still full: abort with "Cache too full"
//
// Pruning of orphaned objects is amortised: every RemoveRef call defers
// pruning, and a single Prune runs once at the end.
func (a *Accounting) Clean(required RequiredFunc, progress ProgressFunc) (int64, error) {
	size, err := a.ComputeCacheSize()
	if err != nil {
		return 0, err
	}
	refs, err := a.store.ListRefs("")
	if err != nil {
		return 0, err
	}
	var evicted int
	for _, ref := range refs {
		if size < a.LowerThreshold {
			break
		}
		if required != nil && required(ref) {
			continue
		}
		freed, err := a.store.RemoveRef(ref, true)
		if err != nil {
			glog.Warningf("quota: clean: failed to remove ref %q: %v", ref, err)
			continue
		}
		size -= freed
		evicted++
		if progress != nil {
			progress(ref, freed)
		}
		glog.V(3).Infof("quota: evicted %s (%d bytes freed, %d bytes remaining)", ref, freed, size)
	}
	if _, err := a.store.Prune(); err != nil {
		return 0, err
	}
	if err := a.SetCacheSize(size, true); err != nil {
		return 0, err
	}
	if size >= a.LowerThreshold {
		requiredCount := 0
		if required != nil {
			for _, ref := range refs {
				if required(ref) {
					requiredCount++
				}
			}
		}
		return size, cerr.New(cerr.Artifact, cerr.CacheTooFull,
			fmt.Sprintf("cache too full: %d bytes used, %d refs required and could not be evicted", size, requiredCount)).
			WithDetail("increase the cache quota or free up required artifacts")
	}
	return size, nil
}
