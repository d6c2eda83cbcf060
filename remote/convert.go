// Package remote implements the CAS replication client and server:
// batched blob upload/download over gRPC's ByteStream service,
// FindMissingBlobs-driven dedup, and the ArtifactCache ref service. The
// wire shape follows the Bazel Remote Execution API conventions.
/*
 * Copyright (c) 2024, BuildStream Go Authors. All rights reserved.
 */
package remote

import (
	"github.com/buildstream-go/bst-core/cas"
	"github.com/buildstream-go/bst-core/internal/caspb"
)

func toPBDigest(d cas.Digest) *caspb.Digest {
	return &caspb.Digest{Hash: d.Hash, SizeBytes: d.Size}
}

func fromPBDigest(d *caspb.Digest) cas.Digest {
	if d == nil {
		return cas.Digest{}
	}
	return cas.Digest{Hash: d.Hash, Size: d.SizeBytes}
}

func toPBDirectory(d cas.Directory) *caspb.Directory {
	out := &caspb.Directory{}
	for _, f := range d.Files {
		out.Files = append(out.Files, &caspb.FileNode{Name: f.Name, Digest: toPBDigest(f.Digest), Executable: f.Executable})
	}
	for _, s := range d.Symlinks {
		out.Symlinks = append(out.Symlinks, &caspb.SymlinkNode{Name: s.Name, Target: s.Target})
	}
	for _, sub := range d.Directories {
		out.Directories = append(out.Directories, &caspb.DirectoryNode{Name: sub.Name, Digest: toPBDigest(sub.Digest)})
	}
	return out
}
