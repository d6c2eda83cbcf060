// Package caspb holds the wire messages for the CAS and ArtifactCache
// gRPC services: hand-written in the pre-codegen style — plain structs
// carrying `protobuf:` struct tags that the reflection-based
// github.com/golang/protobuf/proto encoder reads directly, the same shape
// protoc-gen-go would emit. Blob transfer itself rides the standard
// google.golang.org/genproto/googleapis/bytestream messages rather than
// bespoke ones here.
/*
 * Copyright (c) 2024, BuildStream Go Authors. All rights reserved.
 */
package caspb

import "fmt"

// Digest mirrors cas.Digest on the wire.
type Digest struct {
	Hash      string `protobuf:"bytes,1,opt,name=hash,proto3" json:"hash,omitempty"`
	SizeBytes int64  `protobuf:"varint,2,opt,name=size_bytes,json=sizeBytes,proto3" json:"size_bytes,omitempty"`
}

func (m *Digest) Reset()         { *m = Digest{} }
func (m *Digest) String() string { return fmt.Sprintf("%+v", *m) }
func (*Digest) ProtoMessage()    {}

// FileNode mirrors cas.FileNode.
type FileNode struct {
	Name       string  `protobuf:"bytes,1,opt,name=name,proto3" json:"name,omitempty"`
	Digest     *Digest `protobuf:"bytes,2,opt,name=digest,proto3" json:"digest,omitempty"`
	Executable bool    `protobuf:"varint,3,opt,name=is_executable,json=isExecutable,proto3" json:"is_executable,omitempty"`
}

func (m *FileNode) Reset()         { *m = FileNode{} }
func (m *FileNode) String() string { return fmt.Sprintf("%+v", *m) }
func (*FileNode) ProtoMessage()    {}

// SymlinkNode mirrors cas.SymlinkNode.
type SymlinkNode struct {
	Name   string `protobuf:"bytes,1,opt,name=name,proto3" json:"name,omitempty"`
	Target string `protobuf:"bytes,2,opt,name=target,proto3" json:"target,omitempty"`
}

func (m *SymlinkNode) Reset()         { *m = SymlinkNode{} }
func (m *SymlinkNode) String() string { return fmt.Sprintf("%+v", *m) }
func (*SymlinkNode) ProtoMessage()    {}

// DirectoryNode mirrors cas.DirectoryNode.
type DirectoryNode struct {
	Name   string  `protobuf:"bytes,1,opt,name=name,proto3" json:"name,omitempty"`
	Digest *Digest `protobuf:"bytes,2,opt,name=digest,proto3" json:"digest,omitempty"`
}

func (m *DirectoryNode) Reset()         { *m = DirectoryNode{} }
func (m *DirectoryNode) String() string { return fmt.Sprintf("%+v", *m) }
func (*DirectoryNode) ProtoMessage()    {}

// Directory mirrors cas.Directory — used to serialize a subtree as a
// standalone wire message.
type Directory struct {
	Files       []*FileNode      `protobuf:"bytes,1,rep,name=files,proto3" json:"files,omitempty"`
	Directories []*DirectoryNode `protobuf:"bytes,2,rep,name=directories,proto3" json:"directories,omitempty"`
	Symlinks    []*SymlinkNode   `protobuf:"bytes,3,rep,name=symlinks,proto3" json:"symlinks,omitempty"`
}

func (m *Directory) Reset()         { *m = Directory{} }
func (m *Directory) String() string { return fmt.Sprintf("%+v", *m) }
func (*Directory) ProtoMessage()    {}
