package cas

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/golang/glog"

	"github.com/buildstream-go/bst-core/cmn/cerr"
)

// Store is the on-disk CAS object store rooted at <cache root>/cas.
//
//	cas/
//	  objects/<hh>/<rest-of-hash>
//	  refs/heads/<project>/<element>/<key>
//	  tmp/
//
// Objects are immutable and writes are idempotent; refs are the only
// mutable part of the store, and their mtime is the LRU clock the rest of
// the system (quota, artifact) reads.
type Store struct {
	root string // <cache root>/cas

	mu sync.Mutex // serializes ref-file writes (last-writer-wins)
}

func Open(root string) (*Store, error) {
	s := &Store{root: root}
	for _, dir := range []string{s.objectsDir(), s.refsDir(), s.tmpDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, cerr.Wrap(cerr.CAS, cerr.IO, "cannot initialize CAS root", err)
		}
	}
	return s, nil
}

func (s *Store) objectsDir() string { return filepath.Join(s.root, "objects") }
func (s *Store) refsDir() string    { return filepath.Join(s.root, "refs", "heads") }
func (s *Store) tmpDir() string     { return filepath.Join(s.root, "tmp") }

// ObjectPath is a pure function of the digest's hash.
func (s *Store) ObjectPath(d Digest) (string, error) {
	hh, rest, err := d.shardPrefix()
	if err != nil {
		return "", cerr.Wrap(cerr.CAS, cerr.Corrupt, "malformed digest", err)
	}
	return filepath.Join(s.objectsDir(), hh, rest), nil
}

func (s *Store) HasObject(d Digest) bool {
	p, err := s.ObjectPath(d)
	if err != nil {
		return false
	}
	fi, err := os.Stat(p)
	return err == nil && fi.Size() == d.Size
}

// AddObject writes bytes under their digest. Idempotent: if the object
// already exists it is not rewritten. Crash safety: the content is written
// to a scratch file under tmp/, fsync'd, then renamed into place
// (fsync-before-rename).
func (s *Store) AddObject(data []byte) (Digest, error) {
	d := DigestForBytes(data)
	if s.HasObject(d) {
		return d, nil
	}
	dst, err := s.ObjectPath(d)
	if err != nil {
		return Digest{}, err
	}
	if err := s.writeAtomic(dst, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	}); err != nil {
		return Digest{}, err
	}
	return d, nil
}

// AddObjectReader streams r into the store, hashing as it goes, and is used
// for large file imports where holding the whole content in memory would be
// wasteful (host-FS import, remote blob downloads).
func (s *Store) AddObjectReader(r io.Reader) (Digest, error) {
	hr := newHashingReader(r)
	// The final path isn't known until the content has been fully read, so
	// it's staged under a xxhash-derived scratch name first; this is a fast
	// non-crypto hash purely to keep concurrent uploads from colliding on
	// the same tmp filename, not a content identity (that's still sha256).
	scratch := filepath.Join(s.tmpDir(), fmt.Sprintf("upload-%x", xxhash.ChecksumString64(fmt.Sprintf("%p-%d", r, time.Now().UnixNano()))))
	f, err := os.OpenFile(scratch, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Digest{}, cerr.Wrap(cerr.CAS, cerr.IO, "cannot create upload scratch file", err)
	}
	defer os.Remove(scratch)
	bw := bufio.NewWriter(f)
	if _, err := io.Copy(bw, hr); err != nil {
		f.Close()
		return Digest{}, cerr.Wrap(cerr.CAS, cerr.IO, "upload read failed", err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return Digest{}, cerr.Wrap(cerr.CAS, cerr.IO, "upload flush failed", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return Digest{}, cerr.Wrap(cerr.CAS, cerr.IO, "upload fsync failed", err)
	}
	f.Close()

	d := hr.Digest()
	if s.HasObject(d) {
		return d, nil
	}
	dst, err := s.ObjectPath(d)
	if err != nil {
		return Digest{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Digest{}, cerr.Wrap(cerr.CAS, cerr.IO, "cannot create object shard dir", err)
	}
	if err := os.Rename(scratch, dst); err != nil {
		return Digest{}, cerr.Wrap(cerr.CAS, cerr.IO, "cannot commit object", err)
	}
	return d, nil
}

// AddObjectFile is a convenience for importing from the host filesystem.
func (s *Store) AddObjectFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, cerr.Wrap(cerr.CAS, cerr.IO, "cannot open source file", err)
	}
	defer f.Close()
	return s.AddObjectReader(f)
}

// Open returns a reader for an object's bytes.
func (s *Store) Open(d Digest) (io.ReadCloser, error) {
	p, err := s.ObjectPath(d)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cerr.ErrNotFound(fmt.Sprintf("object %s not found", d))
		}
		return nil, cerr.Wrap(cerr.CAS, cerr.IO, "cannot open object", err)
	}
	return f, nil
}

// ReadAll reads an object fully into memory; used by small Directory blobs.
func (s *Store) ReadAll(d Digest) ([]byte, error) {
	r, err := s.Open(d)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, cerr.Wrap(cerr.CAS, cerr.IO, "cannot read object", err)
	}
	return b, nil
}

// AddDirectory serializes and stores a Directory, returning its digest.
func (s *Store) AddDirectory(d Directory) (Digest, error) {
	return s.AddObject(d.CanonicalBytes())
}

// GetDirectory resolves and parses a Directory object.
func (s *Store) GetDirectory(d Digest) (Directory, error) {
	b, err := s.ReadAll(d)
	if err != nil {
		return Directory{}, err
	}
	dir, err := ParseDirectory(b)
	if err != nil {
		return Directory{}, cerr.Wrap(cerr.CAS, cerr.Corrupt, "corrupt Directory object", err)
	}
	return dir, nil
}

func (s *Store) writeAtomic(dst string, write func(f *os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return cerr.Wrap(cerr.CAS, cerr.IO, "cannot create shard dir", err)
	}
	tmp, err := os.CreateTemp(s.tmpDir(), "obj-*")
	if err != nil {
		return cerr.Wrap(cerr.CAS, cerr.IO, "cannot create tmp file", err)
	}
	defer os.Remove(tmp.Name())
	if err := write(tmp); err != nil {
		tmp.Close()
		return cerr.Wrap(cerr.CAS, cerr.IO, "write failed", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return cerr.Wrap(cerr.CAS, cerr.IO, "fsync failed", err)
	}
	if err := tmp.Close(); err != nil {
		return cerr.Wrap(cerr.CAS, cerr.IO, "close failed", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return cerr.Wrap(cerr.CAS, cerr.IO, "rename failed", err)
	}
	return nil
}

//
// refs
//

func (s *Store) refPath(name string) string {
	return filepath.Join(s.refsDir(), filepath.FromSlash(name))
}

// SetRef creates or updates a ref to point at digest.
func (s *Store) SetRef(name string, d Digest) error {
	p := s.refPath(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(p, func(f *os.File) error {
		_, err := fmt.Fprintf(f, "%s %d", d.Hash, d.Size)
		return err
	})
}

// ResolveRef reads the digest a ref points at. If touchMtime is set, the ref
// file's mtime is bumped first so it is considered most-recently-used — the
// defense against concurrent instances evicting an artifact another process
// still needs.
func (s *Store) ResolveRef(name string, touchMtime bool) (Digest, error) {
	if touchMtime {
		_ = s.UpdateMtime(name)
	}
	p := s.refPath(name)
	b, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return Digest{}, cerr.ErrNotFound(fmt.Sprintf("ref %q not found", name))
		}
		return Digest{}, cerr.Wrap(cerr.CAS, cerr.IO, "cannot read ref", err)
	}
	return parseRefBytes(b)
}

func parseRefBytes(b []byte) (Digest, error) {
	fields := strings.Fields(string(b))
	if len(fields) != 2 {
		return Digest{}, cerr.ErrCorrupt("malformed ref contents")
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Digest{}, cerr.ErrCorrupt("malformed ref size")
	}
	return Digest{Hash: fields[0], Size: size}, nil
}

// LinkRef aliases an existing ref's digest under a new ref name (used to tie
// a strong key and a weak key to the same Directory).
func (s *Store) LinkRef(old, new string) error {
	d, err := s.ResolveRef(old, false)
	if err != nil {
		return err
	}
	return s.SetRef(new, d)
}

// UpdateMtime touches a ref file without changing its contents.
func (s *Store) UpdateMtime(name string) error {
	p := s.refPath(name)
	now := time.Now()
	if err := os.Chtimes(p, now, now); err != nil {
		if os.IsNotExist(err) {
			return cerr.ErrNotFound(fmt.Sprintf("ref %q not found", name))
		}
		return cerr.Wrap(cerr.CAS, cerr.IO, "cannot touch ref", err)
	}
	return nil
}

// RemoveRef deletes a ref and, unless deferPrune is set, immediately runs a
// full prune to reclaim any objects the ref was the last reachable path to.
// With deferPrune the caller is expected to batch many removals and call
// Prune once at the end.
func (s *Store) RemoveRef(name string, deferPrune bool) (bytesFreed int64, err error) {
	p := s.refPath(name)
	d, rerr := s.ResolveRef(name, false)
	if rerr == nil {
		bytesFreed = d.Size // size of the ref's root object only; a prune may reclaim more or fewer bytes
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return 0, cerr.Wrap(cerr.CAS, cerr.IO, "cannot remove ref", err)
	}
	pruneEmptyParents(filepath.Dir(p), s.refsDir())
	if !deferPrune {
		if _, err := s.Prune(); err != nil {
			return bytesFreed, err
		}
	}
	return bytesFreed, nil
}

func pruneEmptyParents(dir, stop string) {
	for dir != stop && strings.HasPrefix(dir, stop) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if os.Remove(dir) != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// refMtime pairs a ref name with its ordering key.
type refMtime struct {
	name  string
	mtime time.Time
}

// ListRefs returns every ref matching glob (empty matches everything) in
// LRU order — least recently used first, derived from ref-file mtime.
// Granularity is whatever the filesystem exposes; ties are broken by name
// for determinism.
func (s *Store) ListRefs(glob string) ([]string, error) {
	var refs []refMtime
	root := s.refsDir()
	err := filepath.WalkDir(root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if de.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if glob != "" {
			ok, err := filepath.Match(glob, name)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		info, err := de.Info()
		if err != nil {
			return err
		}
		refs = append(refs, refMtime{name: name, mtime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, cerr.Wrap(cerr.CAS, cerr.IO, "cannot list refs", err)
	}
	sort.SliceStable(refs, func(i, j int) bool {
		if !refs[i].mtime.Equal(refs[j].mtime) {
			return refs[i].mtime.Before(refs[j].mtime)
		}
		return refs[i].name < refs[j].name
	})
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.name
	}
	return out, nil
}

//
// GC
//

// Prune walks every reachable Directory from every ref and deletes any
// object not reachable from any of them. It never removes a
// reachable object.
func (s *Store) Prune() (bytesFreed int64, err error) {
	refs, err := s.ListRefs("")
	if err != nil {
		return 0, err
	}
	live := make(map[string]struct{})
	for _, name := range refs {
		d, err := s.ResolveRef(name, false)
		if err != nil {
			glog.Warningf("cas: prune: skipping dangling ref %q: %v", name, err)
			continue
		}
		if err := s.markReachable(d, live); err != nil {
			glog.Warningf("cas: prune: %q reachability walk failed: %v", name, err)
		}
	}
	err = filepath.WalkDir(s.objectsDir(), func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if de.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(s.objectsDir(), path)
		if rerr != nil {
			return rerr
		}
		hash := strings.ReplaceAll(rel, string(filepath.Separator), "")
		if _, ok := live[hash]; ok {
			return nil
		}
		info, ierr := de.Info()
		if ierr == nil {
			bytesFreed += info.Size()
		}
		return os.Remove(path)
	})
	if err != nil {
		return bytesFreed, cerr.Wrap(cerr.CAS, cerr.IO, "prune walk failed", err)
	}
	return bytesFreed, nil
}

func (s *Store) markReachable(d Digest, live map[string]struct{}) error {
	if _, ok := live[d.Hash]; ok {
		return nil
	}
	live[d.Hash] = struct{}{}
	if !s.HasObject(d) {
		return cerr.ErrNotFound(fmt.Sprintf("dangling digest %s", d))
	}
	dir, err := s.GetDirectory(d)
	if err != nil {
		// Not every object is a Directory (files aren't); a parse failure
		// here just means d is a leaf file object, not corruption.
		return nil
	}
	for _, f := range dir.Files {
		live[f.Digest.Hash] = struct{}{}
	}
	for _, sub := range dir.Directories {
		if err := s.markReachable(sub.Digest, live); err != nil {
			return err
		}
	}
	return nil
}

// CalculateCacheSize sums the size of every stored object; this
// is the authoritative recomputation the quota package's estimate is
// periodically reconciled against.
func (s *Store) CalculateCacheSize() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.objectsDir(), func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if de.IsDir() {
			return nil
		}
		info, ierr := de.Info()
		if ierr != nil {
			return ierr
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, cerr.Wrap(cerr.CAS, cerr.IO, "cannot calculate cache size", err)
	}
	return total, nil
}
