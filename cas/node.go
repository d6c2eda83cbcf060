package cas

import (
	"fmt"
	"sort"

	"github.com/tinylib/msgp/msgp"
)

// FileNode, SymlinkNode and DirectoryNode are the three kinds of children a
// Directory may hold. Directory serialization is canonical: a
// given (files, directories, symlinks) set always produces the same bytes
// on any host, which is what lets equal trees share storage.
//
// The encoding is hand-rolled on top of msgp's append-style runtime helpers
// rather than generated msgp.Marshaler methods: field order here is the hash
// input, so it must be under our explicit control (name, then digest, then
// is_executable) rather than whatever a generated Marshaler happens to emit
// for an evolving struct.
type (
	FileNode struct {
		Name       string
		Digest     Digest
		Executable bool
	}

	SymlinkNode struct {
		Name   string
		Target string
	}

	DirectoryNode struct {
		Name   string
		Digest Digest
	}

	// Directory is the serialized object a DirectoryNode.Digest points to:
	// an ordered, duplicate-free collection of the three child kinds.
	Directory struct {
		Files       []FileNode
		Directories []DirectoryNode
		Symlinks    []SymlinkNode
	}
)

func appendDigest(b []byte, d Digest) []byte {
	b = msgp.AppendString(b, d.Hash)
	b = msgp.AppendInt64(b, d.Size)
	return b
}

func readDigest(b []byte) (Digest, []byte, error) {
	hash, b, err := msgp.ReadStringBytes(b)
	if err != nil {
		return Digest{}, b, err
	}
	size, b, err := msgp.ReadInt64Bytes(b)
	if err != nil {
		return Digest{}, b, err
	}
	return Digest{Hash: hash, Size: size}, b, nil
}

func (f FileNode) appendMsg(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 3)
	b = msgp.AppendString(b, f.Name)
	b = appendDigest(b, f.Digest)
	b = msgp.AppendBool(b, f.Executable)
	return b
}

func readFileNode(b []byte) (FileNode, []byte, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return FileNode{}, b, err
	}
	if n != 3 {
		return FileNode{}, b, fmt.Errorf("cas: corrupt FileNode (arity %d)", n)
	}
	name, b, err := msgp.ReadStringBytes(b)
	if err != nil {
		return FileNode{}, b, err
	}
	digest, b, err := readDigest(b)
	if err != nil {
		return FileNode{}, b, err
	}
	exec, b, err := msgp.ReadBoolBytes(b)
	if err != nil {
		return FileNode{}, b, err
	}
	return FileNode{Name: name, Digest: digest, Executable: exec}, b, nil
}

func (s SymlinkNode) appendMsg(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 2)
	b = msgp.AppendString(b, s.Name)
	b = msgp.AppendString(b, s.Target)
	return b
}

func readSymlinkNode(b []byte) (SymlinkNode, []byte, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return SymlinkNode{}, b, err
	}
	if n != 2 {
		return SymlinkNode{}, b, fmt.Errorf("cas: corrupt SymlinkNode (arity %d)", n)
	}
	name, b, err := msgp.ReadStringBytes(b)
	if err != nil {
		return SymlinkNode{}, b, err
	}
	target, b, err := msgp.ReadStringBytes(b)
	if err != nil {
		return SymlinkNode{}, b, err
	}
	return SymlinkNode{Name: name, Target: target}, b, nil
}

func (d DirectoryNode) appendMsg(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 2)
	b = msgp.AppendString(b, d.Name)
	b = appendDigest(b, d.Digest)
	return b
}

func readDirectoryNode(b []byte) (DirectoryNode, []byte, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return DirectoryNode{}, b, err
	}
	if n != 2 {
		return DirectoryNode{}, b, fmt.Errorf("cas: corrupt DirectoryNode (arity %d)", n)
	}
	name, b, err := msgp.ReadStringBytes(b)
	if err != nil {
		return DirectoryNode{}, b, err
	}
	digest, b, err := readDigest(b)
	if err != nil {
		return DirectoryNode{}, b, err
	}
	return DirectoryNode{Name: name, Digest: digest}, b, nil
}

// sorted returns a Directory whose three child lists are each sorted by
// name, the canonical form the digest is computed over.
func (d Directory) sorted() Directory {
	out := Directory{
		Files:       append([]FileNode(nil), d.Files...),
		Directories: append([]DirectoryNode(nil), d.Directories...),
		Symlinks:    append([]SymlinkNode(nil), d.Symlinks...),
	}
	sort.Slice(out.Files, func(i, j int) bool { return out.Files[i].Name < out.Files[j].Name })
	sort.Slice(out.Directories, func(i, j int) bool { return out.Directories[i].Name < out.Directories[j].Name })
	sort.Slice(out.Symlinks, func(i, j int) bool { return out.Symlinks[i].Name < out.Symlinks[j].Name })
	return out
}

// CanonicalBytes serializes the Directory into the canonical byte form
// whose hash is the Directory's digest. Children are sorted
// by name within each kind; callers are expected to have already de-duped
// across the three lists (the index in vdir is authoritative for that).
func (d Directory) CanonicalBytes() []byte {
	s := d.sorted()
	var b []byte
	b = msgp.AppendArrayHeader(b, 3)
	b = msgp.AppendArrayHeader(b, uint32(len(s.Files)))
	for _, f := range s.Files {
		b = f.appendMsg(b)
	}
	b = msgp.AppendArrayHeader(b, uint32(len(s.Directories)))
	for _, dn := range s.Directories {
		b = dn.appendMsg(b)
	}
	b = msgp.AppendArrayHeader(b, uint32(len(s.Symlinks)))
	for _, sl := range s.Symlinks {
		b = sl.appendMsg(b)
	}
	return b
}

// ParseDirectory is the inverse of CanonicalBytes.
func ParseDirectory(b []byte) (Directory, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return Directory{}, err
	}
	if n != 3 {
		return Directory{}, fmt.Errorf("cas: corrupt Directory (arity %d)", n)
	}
	var d Directory
	nf, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return Directory{}, err
	}
	for i := uint32(0); i < nf; i++ {
		var f FileNode
		f, b, err = readFileNode(b)
		if err != nil {
			return Directory{}, err
		}
		d.Files = append(d.Files, f)
	}
	nd, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return Directory{}, err
	}
	for i := uint32(0); i < nd; i++ {
		var dn DirectoryNode
		dn, b, err = readDirectoryNode(b)
		if err != nil {
			return Directory{}, err
		}
		d.Directories = append(d.Directories, dn)
	}
	ns, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return Directory{}, err
	}
	for i := uint32(0); i < ns; i++ {
		var sl SymlinkNode
		sl, b, err = readSymlinkNode(b)
		if err != nil {
			return Directory{}, err
		}
		d.Symlinks = append(d.Symlinks, sl)
	}
	return d, nil
}

// Digest is the digest of d's canonical serialization.
func (d Directory) Digest() Digest { return DigestForBytes(d.CanonicalBytes()) }
