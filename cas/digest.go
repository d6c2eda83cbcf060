// Package cas implements the content-addressable object store: hash-indexed
// blob storage, the symbolic ref namespace, and canonical Merkle Directory
// encoding.
/*
 * Copyright (c) 2024, BuildStream Go Authors. All rights reserved.
 */
package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// Digest identifies an object by the hash of its bytes and their length.
// Two digests are equal iff both fields match.
type Digest struct {
	Hash string `msg:"hash"`
	Size int64  `msg:"size"`
}

// EmptyDigest is the recognised constant for zero-length content.
var EmptyDigest = DigestForBytes(nil)

func (d Digest) String() string { return fmt.Sprintf("%s/%d", d.Hash, d.Size) }

// IsEmpty reports whether d is the zero value (no digest assigned), distinct
// from EmptyDigest which is the digest *of* empty content.
func (d Digest) IsEmpty() bool { return d.Hash == "" }

func (d Digest) Equal(o Digest) bool { return d.Hash == o.Hash && d.Size == o.Size }

// shardPrefix returns the two-hex-char shard directory name for an object
// path, e.g. "objects/<hh>/<rest>".
func (d Digest) shardPrefix() (string, string, error) {
	if len(d.Hash) < 3 {
		return "", "", fmt.Errorf("cas: malformed digest hash %q", d.Hash)
	}
	return d.Hash[:2], d.Hash[2:], nil
}

// DigestForBytes computes the digest of an in-memory byte slice.
func DigestForBytes(b []byte) Digest {
	sum := sha256.Sum256(b)
	return Digest{Hash: hex.EncodeToString(sum[:]), Size: int64(len(b))}
}

// hashingReader accumulates a running sha256 + byte count while a stream is
// consumed, so add_object-from-a-reader can digest content in a single pass.
type hashingReader struct {
	r    io.Reader
	h    hash.Hash
	size int64
}

func newHashingReader(r io.Reader) *hashingReader {
	return &hashingReader{r: r, h: sha256.New()}
}

func (hr *hashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.size += int64(n)
	}
	return n, err
}

func (hr *hashingReader) Digest() Digest {
	return Digest{Hash: hex.EncodeToString(hr.h.Sum(nil)), Size: hr.size}
}
