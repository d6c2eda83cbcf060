// Package vdir implements the mutable, in-memory directory-tree view over
// a cas.Store: rehash-on-write, host-filesystem import/export,
// and symlink-aware component resolution.
/*
 * Copyright (c) 2024, BuildStream Go Authors. All rights reserved.
 */
package vdir

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/buildstream-go/bst-core/cas"
	"github.com/buildstream-go/bst-core/cmn/cerr"
)

// Directory is a mutable handle onto a Directory node: it may be rooted (no
// parent) or nested. The in-memory index is authoritative during a session;
// the canonical pb-style form is only rebuilt from it at serialization time.
type Directory struct {
	store  *cas.Store
	parent *Directory
	name   string // this directory's name within parent; "" at the root

	// resolveAbsolute controls whether a "/"-prefixed symlink
	// target re-roots at the tree root (true) or is left "unresolved"
	// (false). Only meaningful on the root; children inherit it.
	resolveAbsolute *bool

	loaded bool // whether files/symlinks/subdirs reflect the stored Directory yet
	dirty  bool // whether this node's serialized form is stale

	cachedDigest cas.Digest

	files    map[string]cas.FileNode
	symlinks map[string]cas.SymlinkNode
	subdirs  map[string]*Directory
}

// NewRoot creates an empty, rooted Directory.
func NewRoot(store *cas.Store) *Directory {
	resolve := false
	d := &Directory{
		store:           store,
		resolveAbsolute: &resolve,
		loaded:          true,
		files:           map[string]cas.FileNode{},
		symlinks:        map[string]cas.SymlinkNode{},
		subdirs:         map[string]*Directory{},
	}
	d.cachedDigest = cas.Directory{}.Digest()
	return d
}

// OpenRoot opens an existing Directory digest as a rooted, lazily-loaded tree.
func OpenRoot(store *cas.Store, digest cas.Digest) *Directory {
	resolve := false
	return &Directory{store: store, resolveAbsolute: &resolve, cachedDigest: digest}
}

// SetResolveAbsoluteSymlinks toggles the root's absolute-symlink policy.
func (d *Directory) SetResolveAbsoluteSymlinks(v bool) {
	root := d.root()
	*root.resolveAbsolute = v
}

func (d *Directory) root() *Directory {
	r := d
	for r.parent != nil {
		r = r.parent
	}
	return r
}

func (d *Directory) ensureLoaded() error {
	if d.loaded {
		return nil
	}
	dir, err := d.store.GetDirectory(d.cachedDigest)
	if err != nil {
		return err
	}
	d.files = make(map[string]cas.FileNode, len(dir.Files))
	for _, f := range dir.Files {
		d.files[f.Name] = f
	}
	d.symlinks = make(map[string]cas.SymlinkNode, len(dir.Symlinks))
	for _, s := range dir.Symlinks {
		d.symlinks[s.Name] = s
	}
	d.subdirs = make(map[string]*Directory, len(dir.Directories))
	for _, sub := range dir.Directories {
		d.subdirs[sub.Name] = &Directory{
			store:  d.store,
			parent: d,
			name:   sub.Name,
			cachedDigest: sub.Digest,
		}
	}
	d.loaded = true
	return nil
}

// Digest returns the digest of the current tree state, serializing and
// storing it (and every dirty ancestor) first if needed.
func (d *Directory) Digest() (cas.Digest, error) {
	if !d.dirty {
		return d.cachedDigest, nil
	}
	return d.recalculate()
}

// recalculate re-serializes this node from its in-memory index, writes it,
// and propagates the new digest up to the root by re-serializing each
// ancestor in turn. Every mutator calls it, so the root digest is current
// as soon as the mutation returns.
func (d *Directory) recalculate() (cas.Digest, error) {
	if err := d.ensureLoaded(); err != nil {
		return cas.Digest{}, err
	}
	var pb cas.Directory
	for _, f := range d.files {
		pb.Files = append(pb.Files, f)
	}
	for _, s := range d.symlinks {
		pb.Symlinks = append(pb.Symlinks, s)
	}
	names := make([]string, 0, len(d.subdirs))
	for name := range d.subdirs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sub := d.subdirs[name]
		digest, err := sub.Digest()
		if err != nil {
			return cas.Digest{}, err
		}
		pb.Directories = append(pb.Directories, cas.DirectoryNode{Name: name, Digest: digest})
	}
	digest, err := d.store.AddDirectory(pb)
	if err != nil {
		return cas.Digest{}, err
	}
	d.cachedDigest = digest
	d.dirty = false
	if d.parent != nil {
		d.parent.markDirty()
		if _, err := d.parent.recalculate(); err != nil {
			return cas.Digest{}, err
		}
	}
	return digest, nil
}

func (d *Directory) markDirty() {
	for n := d; n != nil; n = n.parent {
		n.dirty = true
	}
}

// recalculateDown stamps every descendant's digest after a bulk import,
// rather than propagating one rehash per leaf.
func (d *Directory) recalculateDown() (cas.Digest, error) {
	if err := d.ensureLoaded(); err != nil {
		return cas.Digest{}, err
	}
	for _, sub := range d.subdirs {
		if _, err := sub.recalculateDown(); err != nil {
			return cas.Digest{}, err
		}
	}
	d.dirty = true
	return d.recalculateSelfOnly()
}

func (d *Directory) recalculateSelfOnly() (cas.Digest, error) {
	var pb cas.Directory
	for _, f := range d.files {
		pb.Files = append(pb.Files, f)
	}
	for _, s := range d.symlinks {
		pb.Symlinks = append(pb.Symlinks, s)
	}
	for name, sub := range d.subdirs {
		pb.Directories = append(pb.Directories, cas.DirectoryNode{Name: name, Digest: sub.cachedDigest})
	}
	digest, err := d.store.AddDirectory(pb)
	if err != nil {
		return cas.Digest{}, err
	}
	d.cachedDigest = digest
	d.dirty = false
	return digest, nil
}

//
// mutation
//

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return cerr.New(cerr.CAS, cerr.Corrupt, fmt.Sprintf("invalid entry name %q", name))
	}
	return nil
}

// AddFile inserts or replaces a file entry, dropping any symlink or
// subdirectory of the same name, whether or not that subdirectory is
// empty. ImportFiles applies its own overwrite rules (a file over a
// non-empty directory is recorded as ignored) and does not call AddFile.
func (d *Directory) AddFile(name string, digest cas.Digest, executable bool) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := d.ensureLoaded(); err != nil {
		return err
	}
	delete(d.symlinks, name)
	delete(d.subdirs, name)
	d.files[name] = cas.FileNode{Name: name, Digest: digest, Executable: executable}
	_, err := d.recalculate()
	return err
}

// AddSymlink inserts or replaces a symlink entry. Targets are stored
// literally and never resolved at write time.
func (d *Directory) AddSymlink(name, target string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := d.ensureLoaded(); err != nil {
		return err
	}
	delete(d.files, name)
	delete(d.subdirs, name)
	d.symlinks[name] = cas.SymlinkNode{Name: name, Target: target}
	_, err := d.recalculate()
	return err
}

// CreateDirectory returns the named subdirectory, creating it empty if it
// doesn't already exist.
func (d *Directory) CreateDirectory(name string) (*Directory, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if err := d.ensureLoaded(); err != nil {
		return nil, err
	}
	if sub, ok := d.subdirs[name]; ok {
		return sub, nil
	}
	delete(d.files, name)
	delete(d.symlinks, name)
	sub := &Directory{
		store:    d.store,
		parent:   d,
		name:     name,
		loaded:   true,
		files:    map[string]cas.FileNode{},
		symlinks: map[string]cas.SymlinkNode{},
		subdirs:  map[string]*Directory{},
	}
	d.subdirs[name] = sub
	if _, err := sub.recalculate(); err != nil {
		return nil, err
	}
	return sub, nil
}

// DeleteEntry removes whichever kind of entry is named, if any.
func (d *Directory) DeleteEntry(name string) error {
	if err := d.ensureLoaded(); err != nil {
		return err
	}
	delete(d.files, name)
	delete(d.symlinks, name)
	delete(d.subdirs, name)
	_, err := d.recalculate()
	return err
}

// IsEmptyDir reports whether name is a directory entry with no children.
func (d *Directory) IsEmptyDir(name string) (bool, error) {
	if err := d.ensureLoaded(); err != nil {
		return false, err
	}
	sub, ok := d.subdirs[name]
	if !ok {
		return false, nil
	}
	if err := sub.ensureLoaded(); err != nil {
		return false, err
	}
	return len(sub.files) == 0 && len(sub.symlinks) == 0 && len(sub.subdirs) == 0, nil
}

//
// resolution
//

// Descend walks path component by component, resolving symlinks according
// to the root's absolute-symlink policy. ".." above the root yields the
// root (POSIX-like).
func (d *Directory) Descend(path string) (*Directory, error) {
	if path == "" || path == "." {
		return d, nil
	}
	return d.descend(strings.Split(filepath.ToSlash(filepath.Clean(path)), "/"), 0)
}

func (d *Directory) descend(parts []string, hops int) (*Directory, error) {
	if hops > 256 {
		return nil, cerr.New(cerr.CAS, cerr.Corrupt, "symlink resolution exceeded hop limit")
	}
	if len(parts) == 0 {
		return d, nil
	}
	part := parts[0]
	rest := parts[1:]
	if part == "" || part == "." {
		return d.descend(rest, hops)
	}
	if part == ".." {
		parent := d.parent
		if parent == nil {
			parent = d
		}
		return parent.descend(rest, hops)
	}
	if err := d.ensureLoaded(); err != nil {
		return nil, err
	}
	if sub, ok := d.subdirs[part]; ok {
		return sub.descend(rest, hops)
	}
	if link, ok := d.symlinks[part]; ok {
		target := link.Target
		if strings.HasPrefix(link.Target, "/") {
			if !d.root().resolveAbsoluteEffective() {
				return nil, cerr.New(cerr.CAS, cerr.NotFound, fmt.Sprintf("unresolved absolute symlink %q", name(d, part)))
			}
			return d.root().descend(append(strings.Split(strings.TrimPrefix(target, "/"), "/"), rest...), hops+1)
		}
		joined := filepath.ToSlash(filepath.Clean(filepath.Join(parentPath(d), target)))
		return d.root().descend(append(strings.Split(strings.TrimPrefix(joined, "/"), "/"), rest...), hops+1)
	}
	if _, ok := d.files[part]; ok {
		return nil, cerr.New(cerr.CAS, cerr.Corrupt, fmt.Sprintf("%q is a file, not a directory", part))
	}
	return nil, cerr.ErrNotFound(fmt.Sprintf("no such entry %q", part))
}

func (d *Directory) resolveAbsoluteEffective() bool { return *d.root().resolveAbsolute }

func parentPath(d *Directory) string {
	var names []string
	for n := d; n.parent != nil; n = n.parent {
		names = append([]string{n.name}, names...)
	}
	return "/" + strings.Join(names, "/")
}

func name(d *Directory, part string) string { return parentPath(d) + "/" + part }

// FileListResult reports the outcome of an import.
type FileListResult struct {
	Written     []string
	Overwritten []string
	Ignored     []string
}
