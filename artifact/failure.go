package artifact

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"github.com/buildstream-go/bst-core/cmn/cerr"
)

// FailureRecord is what gets indexed for a cached failure: enough to
// reproduce the original error message and point at its build log without
// re-running the job.
type FailureRecord struct {
	Brief   string `json:"brief"`
	Detail  string `json:"detail"`
	LogPath string `json:"log_path"`
}

const failureCollection = "failures##"

// FailureIndex is a small queryable store of cached-failure artifacts.
// Keys use a "collection##key" path form so the collection separator can
// never collide with the ref names it prefixes; BuntDB is tuned for
// periodic fsync and compaction once the file crosses a threshold.
type FailureIndex struct {
	db *buntdb.DB
}

const autoShrinkSize = 1 << 20 // compact once the AOF crosses 1MiB

// OpenFailureIndex opens (creating if needed) the failure index file at path.
func OpenFailureIndex(path string) (*FailureIndex, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, cerr.Wrap(cerr.Artifact, cerr.IO, "cannot open failure index", err)
	}
	db.SetConfig(buntdb.Config{
		SyncPolicy:           buntdb.EverySecond,
		AutoShrinkMinSize:    autoShrinkSize,
		AutoShrinkPercentage: 50,
	})
	return &FailureIndex{db: db}, nil
}

func (fi *FailureIndex) Close() error { return fi.db.Close() }

func failurePath(ref string) string { return failureCollection + ref }

// RecordFailure indexes ref as a cached failure.
func (fi *FailureIndex) RecordFailure(ref string, rec FailureRecord) error {
	b, err := jsoniter.Marshal(rec)
	if err != nil {
		return cerr.Wrap(cerr.Artifact, cerr.ImplError, "cannot marshal failure record", err)
	}
	err = fi.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(failurePath(ref), string(b), nil)
		return err
	})
	if err != nil {
		return cerr.Wrap(cerr.Artifact, cerr.IO, "cannot record failure", err)
	}
	return nil
}

// Lookup returns the cached failure for ref, if any; ok is false if ref has
// no recorded failure (it's either unknown or was cleared by ClearFailure).
func (fi *FailureIndex) Lookup(ref string) (rec FailureRecord, ok bool, err error) {
	var raw string
	ferr := fi.db.View(func(tx *buntdb.Tx) error {
		var err error
		raw, err = tx.Get(failurePath(ref))
		return err
	})
	if ferr == buntdb.ErrNotFound {
		return FailureRecord{}, false, nil
	}
	if ferr != nil {
		return FailureRecord{}, false, cerr.Wrap(cerr.Artifact, cerr.IO, "cannot look up failure", ferr)
	}
	if err := jsoniter.Unmarshal([]byte(raw), &rec); err != nil {
		return FailureRecord{}, false, cerr.Wrap(cerr.Artifact, cerr.ImplError, "cannot unmarshal failure record", err)
	}
	return rec, true, nil
}

// ClearFailure removes any cached failure for ref — called once a
// successful commit supersedes it. A new failure needs no clearing:
// RecordFailure overwrites the existing record.
func (fi *FailureIndex) ClearFailure(ref string) error {
	err := fi.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(failurePath(ref))
		return err
	})
	if err != nil && err != buntdb.ErrNotFound {
		return cerr.Wrap(cerr.Artifact, cerr.IO, "cannot clear failure", err)
	}
	return nil
}

// ClearProject removes every cached failure under a project prefix — used
// when a project is removed from the cache wholesale.
func (fi *FailureIndex) ClearProject(project string) error {
	prefix := failurePath(project + "/")
	var keys []string
	err := fi.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, _ string) bool {
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
			return true
		})
	})
	if err != nil {
		return cerr.Wrap(cerr.Artifact, cerr.IO, "cannot list failures for project", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return fi.db.Update(func(tx *buntdb.Tx) error {
		for _, k := range keys {
			if _, err := tx.Delete(k); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}
