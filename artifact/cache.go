package artifact

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"

	"github.com/buildstream-go/bst-core/cas"
	"github.com/buildstream-go/bst-core/cmn/cerr"
	"github.com/buildstream-go/bst-core/quota"
)

// Remote is the subset of the remote CAS client the artifact cache needs
// to pull and push refs. It is expressed as an interface here so this
// package stays a thin composition over the store and quota accounting and
// does not import the transport layer directly.
type Remote interface {
	// GetArtifact resolves key to a root Directory digest on the remote.
	GetArtifact(ctx context.Context, key string) (digest cas.Digest, found bool, err error)
	// FetchTree pulls every blob reachable from root that is missing
	// locally, skipping subtrees named in excludedSubdirs.
	FetchTree(ctx context.Context, root cas.Digest, excludedSubdirs []string) error
	// PushTree pushes every blob reachable from root that the remote is
	// missing.
	PushTree(ctx context.Context, root cas.Digest) error
	// UpdateArtifact publishes keys -> digest on the remote.
	UpdateArtifact(ctx context.Context, keys []string, digest cas.Digest) error
	// AllowsPush reports the remote's Status().allow_updates.
	AllowsPush() bool
}

// Cache is the artifact cache: element/key-named refs over a CAS store,
// with required-set pinning and remote pull/push.
type Cache struct {
	store    *cas.Store
	quota    *quota.Accounting
	failures *FailureIndex

	mu       sync.RWMutex
	required map[string]struct{} // ref names currently pinned
}

// New wraps store and quota accounting into an artifact cache. failures may
// be nil if cached-failure fast-pathing is not wanted (e.g. in tests).
func New(store *cas.Store, q *quota.Accounting, failures *FailureIndex) *Cache {
	return &Cache{store: store, quota: q, failures: failures, required: map[string]struct{}{}}
}

// Contains reports whether the (element, key) ref resolves to a stored
// object.
func (c *Cache) Contains(project, element, key string) bool {
	ref := RefName(project, element, key)
	digest, err := c.store.ResolveRef(ref, false)
	if err != nil {
		return false
	}
	return c.store.HasObject(digest)
}

// Commit binds directory's digest to every given key for element. A
// successful commit clears any cached failure for the same refs, since a
// fresh result supersedes it.
func (c *Cache) Commit(project, element string, digest cas.Digest, keys []string) error {
	for _, key := range keys {
		ref := RefName(project, element, key)
		if err := c.store.SetRef(ref, digest); err != nil {
			return err
		}
		if c.failures != nil {
			if err := c.failures.ClearFailure(ref); err != nil {
				glog.Warningf("artifact: commit %s: failed to clear cached failure: %v", ref, err)
			}
		}
	}
	if c.quota != nil {
		c.quota.AddArtifactSize(digest.Size)
	}
	return nil
}

// CommitFailure records that building element at key failed, so future
// encounters can take the cached-failure fast-path instead of
// re-running the job.
func (c *Cache) CommitFailure(project, element string, keys []string, rec FailureRecord) error {
	if c.failures == nil {
		return nil
	}
	for _, key := range keys {
		ref := RefName(project, element, key)
		if err := c.failures.RecordFailure(ref, rec); err != nil {
			return err
		}
	}
	return nil
}

// LookupFailure returns the cached failure for (project, element, key), if any.
func (c *Cache) LookupFailure(project, element, key string) (FailureRecord, bool, error) {
	if c.failures == nil {
		return FailureRecord{}, false, nil
	}
	return c.failures.Lookup(RefName(project, element, key))
}

// Remove deletes the ref; deferPrune amortizes the
// object GC pass across many removals.
func (c *Cache) Remove(project, element, key string, deferPrune bool) (int64, error) {
	ref := RefName(project, element, key)
	return c.store.RemoveRef(ref, deferPrune)
}

// LinkKey aliases element's existing ref at oldKey under newKey — used to
// pair a freshly-computed strong key with an already-cached weak key's
// digest, or vice versa.
func (c *Cache) LinkKey(project, element, oldKey, newKey string) error {
	return c.store.LinkRef(RefName(project, element, oldKey), RefName(project, element, newKey))
}

// MarkRequiredElements populates the required set for the given (project,
// element, key) triples and touches the mtime of every ref that currently
// resolves, so a concurrent eviction sees them as recently used. Must
// complete before any Clean runs.
func (c *Cache) MarkRequiredElements(refs [][3]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, triple := range refs {
		ref := RefName(triple[0], triple[1], triple[2])
		c.required[ref] = struct{}{}
		if err := c.store.UpdateMtime(ref); err != nil && !errors.Is(err, cerr.ErrNotFound("")) {
			return err
		}
	}
	return nil
}

// IsRequired reports whether ref is in the current required set — the
// predicate quota.Accounting.Clean uses to skip pinned refs.
func (c *Cache) IsRequired(ref string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.required[ref]
	return ok
}

// ClearRequired resets the required set, e.g. between pipeline runs.
func (c *Cache) ClearRequired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.required = map[string]struct{}{}
}

// Pull tries each remote in priority order for (element, key); the first
// remote that has the artifact wins.
func (c *Cache) Pull(ctx context.Context, project, element, key string, remotes []Remote, excludedSubdirs []string) (bool, error) {
	ref := RefName(project, element, key)
	for _, r := range remotes {
		digest, found, err := r.GetArtifact(ctx, ref)
		if err != nil {
			glog.Warningf("artifact: pull %s: remote error, trying next: %v", ref, err)
			continue
		}
		if !found {
			continue
		}
		if err := r.FetchTree(ctx, digest, excludedSubdirs); err != nil {
			glog.Warningf("artifact: pull %s: fetch failed, trying next remote: %v", ref, err)
			continue
		}
		if err := c.store.SetRef(ref, digest); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Push pushes (element, keys) to every push-enabled remote, returning
// whether any remote accepted the update.
func (c *Cache) Push(ctx context.Context, project, element string, keys []string, remotes []Remote) (bool, error) {
	if len(keys) == 0 {
		return false, nil
	}
	ref := RefName(project, element, keys[0])
	digest, err := c.store.ResolveRef(ref, false)
	if err != nil {
		return false, err
	}
	refs := make([]string, len(keys))
	for i, k := range keys {
		refs[i] = RefName(project, element, k)
	}
	var updated bool
	for _, r := range remotes {
		if !r.AllowsPush() {
			continue
		}
		if err := r.PushTree(ctx, digest); err != nil {
			glog.Warningf("artifact: push %s: %v", ref, err)
			continue
		}
		if err := r.UpdateArtifact(ctx, refs, digest); err != nil {
			glog.Warningf("artifact: push %s: update_artifact failed: %v", ref, err)
			continue
		}
		updated = true
	}
	return updated, nil
}
