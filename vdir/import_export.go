package vdir

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"

	"github.com/buildstream-go/bst-core/cas"
	"github.com/buildstream-go/bst-core/cmn/cerr"
)

// ImportFiles imports every entry under hostRoot into d. Files
// are content-addressed into the store; symlinks are stored literally;
// directories are created or descended into. Overwrite rules:
//   - file over file: replaces
//   - file over symlink: replaces
//   - file over non-empty dir: ignored (recorded, not applied)
//   - file over empty dir: the dir is removed first, then the file is added
func (d *Directory) ImportFiles(hostRoot string) (FileListResult, error) {
	var result FileListResult

	type ent struct {
		rel  string
		mode os.FileMode
	}
	var entries []ent
	err := godirwalk.Walk(hostRoot, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == hostRoot {
				return nil
			}
			rel, err := filepath.Rel(hostRoot, path)
			if err != nil {
				return err
			}
			fi, err := os.Lstat(path)
			if err != nil {
				return err
			}
			entries = append(entries, ent{rel: filepath.ToSlash(rel), mode: fi.Mode()})
			return nil
		},
	})
	if err != nil {
		return result, cerr.Wrap(cerr.CAS, cerr.IO, "import walk failed", err)
	}
	// Parents before children, lexical order within a level, so
	// "ensure parent subdirectories exist" always precedes the child import.
	sort.Slice(entries, func(i, j int) bool {
		di := strings.Count(entries[i].rel, "/")
		dj := strings.Count(entries[j].rel, "/")
		if di != dj {
			return di < dj
		}
		return entries[i].rel < entries[j].rel
	})

	for _, e := range entries {
		dir, base := splitParent(e.rel)
		parent, err := d.ensureParents(dir)
		if err != nil {
			return result, err
		}
		full := filepath.Join(hostRoot, e.rel)
		switch {
		case e.mode&os.ModeSymlink != 0:
			target, err := os.Readlink(full)
			if err != nil {
				return result, cerr.Wrap(cerr.CAS, cerr.IO, "readlink failed", err)
			}
			if err := parent.importSymlink(base, target, &result); err != nil {
				return result, err
			}
		case e.mode.IsDir():
			if _, err := parent.importDirPlaceholder(base); err != nil {
				return result, err
			}
		default:
			digest, err := d.store.AddObjectFile(full)
			if err != nil {
				return result, err
			}
			executable := e.mode&0o111 != 0
			if err := parent.importFile(base, digest, executable, &result); err != nil {
				return result, err
			}
		}
	}
	if _, err := d.recalculateDown(); err != nil {
		return result, err
	}
	return result, nil
}

func splitParent(rel string) (dir, base string) {
	idx := strings.LastIndex(rel, "/")
	if idx < 0 {
		return "", rel
	}
	return rel[:idx], rel[idx+1:]
}

func (d *Directory) ensureParents(dir string) (*Directory, error) {
	cur := d
	if dir == "" {
		return cur, nil
	}
	for _, part := range strings.Split(dir, "/") {
		sub, err := cur.CreateDirectory(part)
		if err != nil {
			return nil, err
		}
		cur = sub
	}
	return cur, nil
}

func (d *Directory) importDirPlaceholder(name string) (*Directory, error) {
	if err := d.ensureLoaded(); err != nil {
		return nil, err
	}
	if _, isFile := d.files[name]; isFile {
		delete(d.files, name)
	}
	if _, isLink := d.symlinks[name]; isLink {
		delete(d.symlinks, name)
	}
	return d.CreateDirectory(name)
}

func (d *Directory) importFile(name string, digest cas.Digest, executable bool, result *FileListResult) error {
	if err := d.ensureLoaded(); err != nil {
		return err
	}
	path := filepath.Join(d.fullPath(), name)
	if _, ok := d.subdirs[name]; ok {
		empty, err := d.IsEmptyDir(name)
		if err != nil {
			return err
		}
		if !empty {
			result.Ignored = append(result.Ignored, path)
			return nil
		}
		delete(d.subdirs, name)
	} else if _, existed := d.files[name]; existed {
		result.Overwritten = append(result.Overwritten, path)
	} else if _, existed := d.symlinks[name]; existed {
		result.Overwritten = append(result.Overwritten, path)
	} else {
		result.Written = append(result.Written, path)
	}
	delete(d.symlinks, name)
	d.files[name] = cas.FileNode{Name: name, Digest: digest, Executable: executable}
	d.dirty = true
	return nil
}

func (d *Directory) importSymlink(name, target string, result *FileListResult) error {
	if err := d.ensureLoaded(); err != nil {
		return err
	}
	path := filepath.Join(d.fullPath(), name)
	if _, existed := d.files[name]; existed {
		result.Overwritten = append(result.Overwritten, path)
	} else if _, existed := d.symlinks[name]; existed {
		result.Overwritten = append(result.Overwritten, path)
	} else {
		result.Written = append(result.Written, path)
	}
	delete(d.files, name)
	d.symlinks[name] = cas.SymlinkNode{Name: name, Target: target}
	d.dirty = true
	return nil
}

func (d *Directory) fullPath() string {
	return parentPath(d)
}

// ImportFromDirectory copies another CasBasedDirectory's whole subtree into
// d. File and symlink nodes are copied as they are (file content is not
// re-read); each directory is merged recursively and re-serialized from the
// merged index, which yields the same digests as ImportFiles given the
// same inputs.
func (d *Directory) ImportFromDirectory(src *Directory) error {
	if err := src.ensureLoaded(); err != nil {
		return err
	}
	if err := d.ensureLoaded(); err != nil {
		return err
	}
	for name, f := range src.files {
		d.files[name] = f
		delete(d.symlinks, name)
		delete(d.subdirs, name)
	}
	for name, s := range src.symlinks {
		d.symlinks[name] = s
		delete(d.files, name)
		delete(d.subdirs, name)
	}
	for name, srcSub := range src.subdirs {
		delete(d.files, name)
		delete(d.symlinks, name)
		dstSub, ok := d.subdirs[name]
		if !ok {
			dstSub = &Directory{store: d.store, parent: d, name: name, loaded: true,
				files: map[string]cas.FileNode{}, symlinks: map[string]cas.SymlinkNode{}, subdirs: map[string]*Directory{}}
			d.subdirs[name] = dstSub
		}
		if err := dstSub.ImportFromDirectory(srcSub); err != nil {
			return err
		}
	}
	d.dirty = true
	_, err := d.recalculate()
	return err
}

// ExportFiles writes d's tree out to dst on the host filesystem: directories
// are mkdir'd, files are copied with their executable bit restored, and
// symlinks are recreated verbatim.
func (d *Directory) ExportFiles(dst string) error {
	if err := d.ensureLoaded(); err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return cerr.Wrap(cerr.CAS, cerr.IO, "cannot create export root", err)
	}
	for name, f := range d.files {
		if err := d.exportFile(dst, name, f); err != nil {
			return err
		}
	}
	for name, s := range d.symlinks {
		target := filepath.Join(dst, name)
		_ = os.Remove(target)
		if err := os.Symlink(s.Target, target); err != nil {
			return cerr.Wrap(cerr.CAS, cerr.IO, "cannot create symlink", err)
		}
	}
	for name, sub := range d.subdirs {
		if err := sub.ExportFiles(filepath.Join(dst, name)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Directory) exportFile(dst, name string, f cas.FileNode) error {
	target := filepath.Join(dst, name)
	src, err := d.store.Open(f.Digest)
	if err != nil {
		return err
	}
	defer src.Close()
	mode := os.FileMode(0o644)
	if f.Executable {
		mode = 0o755
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return cerr.Wrap(cerr.CAS, cerr.IO, "cannot create exported file", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return cerr.Wrap(cerr.CAS, cerr.IO, "cannot write exported file", err)
	}
	return out.Chmod(mode)
}
