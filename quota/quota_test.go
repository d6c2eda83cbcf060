package quota

import (
	"testing"

	"github.com/buildstream-go/bst-core/cas"
)

func newTestAccounting(t *testing.T, quotaExpr string, headroom int64) (*Accounting, *cas.Store) {
	t.Helper()
	root := t.TempDir()
	store, err := cas.Open(root)
	if err != nil {
		t.Fatalf("cas.Open: %v", err)
	}
	vol := VolumeStat{CurrentBytes: 0, AvailableBytes: 1 << 30}
	acc, err := New(store, root, quotaExpr, headroom, vol)
	if err != nil {
		t.Fatalf("quota.New: %v", err)
	}
	return acc, store
}

func TestResolveQuotaInfinityIsRewritten(t *testing.T) {
	acc, _ := newTestAccounting(t, "", 0)
	if acc.Quota != 1<<30 {
		t.Fatalf("empty quota expression should resolve to current+available, got %d", acc.Quota)
	}
}

func TestResolveQuotaRejectsBelowHeadroom(t *testing.T) {
	root := t.TempDir()
	store, _ := cas.Open(root)
	vol := VolumeStat{CurrentBytes: 0, AvailableBytes: 100}
	_, err := New(store, root, "50", 1000, vol)
	if err == nil {
		t.Fatal("expected insufficient-storage-for-quota error")
	}
}

func TestResolveQuotaPercent(t *testing.T) {
	root := t.TempDir()
	store, _ := cas.Open(root)
	vol := VolumeStat{CurrentBytes: 0, AvailableBytes: 1000}
	acc, err := New(store, root, "50%", 0, vol)
	if err != nil {
		t.Fatalf("quota.New: %v", err)
	}
	if acc.Quota != 500 {
		t.Fatalf("50%% of 1000 should be 500, got %d", acc.Quota)
	}
}

func TestAddArtifactSizeAndFull(t *testing.T) {
	acc, _ := newTestAccounting(t, "100", 0)
	acc.SetCacheSize(0, false)
	if acc.Full() {
		t.Fatal("fresh accounting should not be full")
	}
	acc.AddArtifactSize(200)
	if !acc.Full() {
		t.Fatal("accounting should be full after exceeding quota")
	}
}

func TestCleanEvictsUnrequiredRefsInLRUOrder(t *testing.T) {
	acc, store := newTestAccounting(t, "10", 0)

	d, err := store.AddObject(make([]byte, 20))
	if err != nil {
		t.Fatalf("AddObject: %v", err)
	}
	if err := store.SetRef("p/e/old", d); err != nil {
		t.Fatalf("SetRef: %v", err)
	}
	if err := store.SetRef("p/e/required", d); err != nil {
		t.Fatalf("SetRef: %v", err)
	}

	required := func(ref string) bool { return ref == "p/e/required" }
	var evicted []string
	progress := func(ref string, n int64) { evicted = append(evicted, ref) }

	size, err := acc.Clean(required, progress)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != "p/e/old" {
		t.Fatalf("expected only the unrequired ref to be evicted, got %v", evicted)
	}
	if _, err := store.ResolveRef("p/e/required", false); err != nil {
		t.Fatalf("required ref should survive Clean: %v", err)
	}
	if size < 0 {
		t.Fatalf("unexpected negative cache size %d", size)
	}
}

func TestCleanReturnsCacheTooFullWhenEverythingIsRequired(t *testing.T) {
	acc, store := newTestAccounting(t, "5", 0)
	d, _ := store.AddObject(make([]byte, 50))
	store.SetRef("p/e/pinned", d)

	required := func(ref string) bool { return true }
	_, err := acc.Clean(required, nil)
	if err == nil {
		t.Fatal("expected cache-too-full error when nothing can be evicted")
	}
}
