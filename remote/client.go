package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/golang/glog"
	"github.com/golang/protobuf/proto"
	"github.com/pierrec/lz4/v3"
	"github.com/seiflotfy/cuckoofilter"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/buildstream-go/bst-core/cas"
	"github.com/buildstream-go/bst-core/cmn/cerr"
	"github.com/buildstream-go/bst-core/internal/caspb"
)

const (
	chunkSize         = 64 * 1024 // ByteStream chunks are <= 64KiB
	lz4Threshold      = 8 * 1024  // only worth compressing blobs above this size
	maxFindMissingReq = 4096      // batch size for FindMissingBlobs
	knownFilterCap    = 1000000   // capacity of the known-digests cuckoo filter
)

// Client talks to one remote CAS server.
type Client struct {
	conn     *grpc.ClientConn
	cas      caspb.CASClient
	cache    caspb.ArtifactCacheClient
	bs       bytestream.ByteStreamClient
	store    *cas.Store
	instance string

	// known caches digests this client has already confirmed present on
	// the remote, so repeated pushes of shared subtrees (e.g. a common
	// base import) skip FindMissingBlobs entirely.
	known *cuckoo.Filter

	allowUpdates bool
	statusFresh  bool
}

// Dial connects to addr. tlsConfig is nil for a plaintext connection
// (only appropriate for loopback/testing); production deployments pass a
// client TLS config, optionally with a client certificate for mTLS.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, instance string, store *cas.Store) (*Client, error) {
	var opts []grpc.DialOption
	if tlsConfig != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		opts = append(opts, grpc.WithInsecure())
	}
	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, cerr.Wrap(cerr.Artifact, cerr.RemoteUnavailable, "cannot dial remote CAS", err).Temp()
	}
	return &Client{
		conn:     conn,
		cas:      caspb.NewCASClient(conn),
		cache:    caspb.NewArtifactCacheClient(conn),
		bs:       bytestream.NewByteStreamClient(conn),
		store:    store,
		instance: instance,
		known:    cuckoo.NewFilter(knownFilterCap),
	}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// AllowsPush reports the remote's Status().allow_updates, caching the
// result for the life of the connection.
func (c *Client) AllowsPush() bool {
	if !c.statusFresh {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := c.cache.Status(ctx, &caspb.StatusRequest{InstanceName: c.instance})
		if err != nil {
			glog.Warningf("remote: status check failed, assuming push disabled: %v", err)
			return false
		}
		c.allowUpdates = resp.AllowUpdates
		c.statusFresh = true
	}
	return c.allowUpdates
}

// GetArtifact resolves key to a root Directory digest.
func (c *Client) GetArtifact(ctx context.Context, key string) (cas.Digest, bool, error) {
	resp, err := c.cache.GetArtifact(ctx, &caspb.GetArtifactRequest{InstanceName: c.instance, Key: key})
	if err != nil {
		return cas.Digest{}, false, cerr.Wrap(cerr.Artifact, cerr.RemoteUnavailable, "GetArtifact failed", err).Temp()
	}
	if !resp.Found {
		return cas.Digest{}, false, nil
	}
	return fromPBDigest(resp.Digest), true, nil
}

// UpdateArtifact publishes keys -> digest on the remote.
func (c *Client) UpdateArtifact(ctx context.Context, keys []string, digest cas.Digest) error {
	_, err := c.cache.UpdateArtifact(ctx, &caspb.UpdateArtifactRequest{
		InstanceName: c.instance, Keys: keys, Digest: toPBDigest(digest),
	})
	if err != nil {
		return cerr.Wrap(cerr.Artifact, cerr.RemoteUnavailable, "UpdateArtifact failed", err).Temp()
	}
	return nil
}

// FetchTree pulls every blob reachable from root that's missing locally,
// skipping directories whose name appears in excludedSubdirs (e.g. "build"
// trees the caller doesn't need).
func (c *Client) FetchTree(ctx context.Context, root cas.Digest, excludedSubdirs []string) error {
	excluded := make(map[string]bool, len(excludedSubdirs))
	for _, s := range excludedSubdirs {
		excluded[s] = true
	}

	var fileDigests []cas.Digest
	var walk func(d cas.Digest) error
	walk = func(d cas.Digest) error {
		var dir cas.Directory
		if c.store.HasObject(d) {
			var err error
			dir, err = c.store.GetDirectory(d)
			if err != nil {
				return err
			}
		} else {
			raw, err := c.readBlob(ctx, d)
			if err != nil {
				return err
			}
			dir, err = cas.ParseDirectory(raw)
			if err != nil {
				return cerr.Wrap(cerr.CAS, cerr.Corrupt, "remote sent malformed Directory", err)
			}
			if _, err := c.store.AddObject(raw); err != nil {
				return err
			}
		}
		for _, f := range dir.Files {
			if !c.store.HasObject(f.Digest) {
				fileDigests = append(fileDigests, f.Digest)
			}
		}
		for _, sub := range dir.Directories {
			if excluded[sub.Name] {
				continue
			}
			if err := walk(sub.Digest); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return err
	}

	// FindMissingBlobs before reading: anything the remote reports missing
	// cannot be fetched, and a partial pull is fine — the reachable objects
	// stay in place and the next attempt walks only the gap.
	unavailable, err := c.findMissingOnRemote(ctx, fileDigests)
	if err != nil {
		glog.Warningf("remote: FindMissingBlobs check failed during pull, fetching blindly: %v", err)
		unavailable = nil
	}
	for _, d := range fileDigests {
		if containsDigest(unavailable, d) {
			continue
		}
		if err := c.fetchBlobInto(ctx, d); err != nil {
			return err
		}
	}
	if len(unavailable) > 0 {
		return cerr.ErrNotFound(fmt.Sprintf("remote is missing %d blobs reachable from %s", len(unavailable), root))
	}
	return nil
}

func containsDigest(list []cas.Digest, d cas.Digest) bool {
	for _, x := range list {
		if x == d {
			return true
		}
	}
	return false
}

// PushTree pushes every blob reachable from root that the remote reports
// missing.
func (c *Client) PushTree(ctx context.Context, root cas.Digest) error {
	var all []cas.Digest
	seen := map[cas.Digest]bool{}
	var walk func(d cas.Digest) error
	walk = func(d cas.Digest) error {
		if seen[d] {
			return nil
		}
		seen[d] = true
		if c.known.Lookup([]byte(d.Hash)) {
			return nil
		}
		all = append(all, d)
		dir, err := c.store.GetDirectory(d)
		if err != nil {
			return err
		}
		for _, f := range dir.Files {
			if !seen[f.Digest] && !c.known.Lookup([]byte(f.Digest.Hash)) {
				seen[f.Digest] = true
				all = append(all, f.Digest)
			}
		}
		for _, sub := range dir.Directories {
			if err := walk(sub.Digest); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return err
	}

	missing, err := c.findMissingOnRemote(ctx, all)
	if err != nil {
		return err
	}
	for _, d := range missing {
		if err := c.pushBlob(ctx, d); err != nil {
			return err
		}
		c.known.InsertUnique([]byte(d.Hash))
	}
	for _, d := range all {
		if !containsDigest(missing, d) {
			c.known.InsertUnique([]byte(d.Hash))
		}
	}
	return nil
}

func (c *Client) findMissingOnRemote(ctx context.Context, digests []cas.Digest) ([]cas.Digest, error) {
	if len(digests) == 0 {
		return nil, nil
	}
	var out []cas.Digest
	for i := 0; i < len(digests); i += maxFindMissingReq {
		end := i + maxFindMissingReq
		if end > len(digests) {
			end = len(digests)
		}
		req := &caspb.FindMissingBlobsRequest{InstanceName: c.instance}
		for _, d := range digests[i:end] {
			req.BlobDigests = append(req.BlobDigests, toPBDigest(d))
		}
		resp, err := c.cas.FindMissingBlobs(ctx, req)
		if err != nil {
			return nil, cerr.Wrap(cerr.Artifact, cerr.RemoteUnavailable, "FindMissingBlobs failed", err).Temp()
		}
		for _, d := range resp.MissingBlobDigests {
			out = append(out, fromPBDigest(d))
		}
	}
	return out, nil
}

// resourceName builds the ByteStream resource name "<hash>/<size>", with
// an "/lz4" suffix when the transfer is LZ4-compressed in transit. The
// blob stays content-addressed on its raw bytes; compression never applies
// at rest.
func resourceName(instance string, d cas.Digest, compressed bool) string {
	name := fmt.Sprintf("%s/%d", d.Hash, d.Size)
	if instance != "" {
		name = instance + "/blobs/" + name
	} else {
		name = "blobs/" + name
	}
	if compressed {
		name += "/lz4"
	}
	return name
}

func (c *Client) readBlob(ctx context.Context, d cas.Digest) ([]byte, error) {
	compressed := d.Size >= lz4Threshold
	stream, err := c.bs.Read(ctx, &bytestream.ReadRequest{ResourceName: resourceName(c.instance, d, compressed)})
	if err != nil {
		return nil, cerr.Wrap(cerr.Artifact, cerr.RemoteUnavailable, "ByteStream.Read failed", err).Temp()
	}
	var buf []byte
	var r io.Reader = &grpcReadStreamReader{stream: stream}
	if compressed {
		r = lz4.NewReader(r)
	}
	buf, err = io.ReadAll(r)
	if err != nil {
		return nil, cerr.Wrap(cerr.Artifact, cerr.RemoteUnavailable, "ByteStream.Read failed", err).Temp()
	}
	return buf, nil
}

func (c *Client) fetchBlobInto(ctx context.Context, d cas.Digest) error {
	raw, err := c.readBlob(ctx, d)
	if err != nil {
		return err
	}
	got, err := c.store.AddObject(raw)
	if err != nil {
		return err
	}
	if got.Hash != d.Hash {
		return cerr.New(cerr.CAS, cerr.Corrupt, fmt.Sprintf("remote served blob %s under a mismatched digest %s", d.Hash, got.Hash))
	}
	return nil
}

// pushBlob uploads one blob. On ABORTED mid-stream the whole blob is
// restarted from write_offset = 0; anything else surfaces to the caller's
// retry policy.
func (c *Client) pushBlob(ctx context.Context, d cas.Digest) error {
	err := c.pushBlobOnce(ctx, d)
	if status.Code(err) == codes.Aborted {
		glog.Warningf("remote: push of %s aborted mid-stream, restarting blob: %v", d.Hash, err)
		err = c.pushBlobOnce(ctx, d)
	}
	return err
}

func (c *Client) pushBlobOnce(ctx context.Context, d cas.Digest) error {
	data, err := c.store.ReadAll(d)
	if err != nil {
		return err
	}
	compressed := d.Size >= lz4Threshold
	payload := data
	if compressed {
		payload = lz4Compress(data)
	}
	stream, err := c.bs.Write(ctx)
	if err != nil {
		return cerr.Wrap(cerr.Artifact, cerr.RemoteUnavailable, "ByteStream.Write failed", err).Temp()
	}
	name := resourceName(c.instance, d, compressed)
	offset := int64(0)
	for offset < int64(len(payload)) || len(payload) == 0 {
		end := offset + chunkSize
		if end > int64(len(payload)) {
			end = int64(len(payload))
		}
		req := &bytestream.WriteRequest{
			Data:        payload[offset:end],
			WriteOffset: offset,
			FinishWrite: end == int64(len(payload)),
		}
		if offset == 0 {
			req.ResourceName = name
		}
		if err := stream.Send(req); err != nil {
			return cerr.Wrap(cerr.Artifact, cerr.RemoteUnavailable, "ByteStream.Write send failed", err).Temp()
		}
		offset = end
		if len(payload) == 0 {
			break
		}
	}
	if _, err := stream.CloseAndRecv(); err != nil {
		return cerr.Wrap(cerr.Artifact, cerr.RemoteUnavailable, "ByteStream.Write close failed", err).Temp()
	}
	return nil
}

func lz4Compress(data []byte) []byte {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	_, _ = w.Write(data)
	_ = w.Close()
	return buf.Bytes()
}

// CheckRemote is the preflight reachability probe: a cheap Status RPC
// confirming the remote answers before the scheduler admits any job that
// would depend on it.
func (c *Client) CheckRemote(ctx context.Context) error {
	if _, err := c.cache.Status(ctx, &caspb.StatusRequest{InstanceName: c.instance}); err != nil {
		return cerr.Wrap(cerr.Artifact, cerr.RemoteUnavailable, "remote unreachable", err).Temp()
	}
	return nil
}

// PushMessage serializes a one-off message (e.g. a Tree snapshot of dir)
// and writes it to the remote via ByteStream, returning the digest it is
// stored under. Callers broadcasting to several remotes keep the last
// successful digest (they are identical anyway — the encoding is
// deterministic for a given tree).
func (c *Client) PushMessage(ctx context.Context, dir cas.Directory) (cas.Digest, error) {
	raw, err := proto.Marshal(toPBDirectory(dir))
	if err != nil {
		return cas.Digest{}, cerr.Wrap(cerr.Artifact, cerr.ImplError, "cannot marshal message", err)
	}
	d, err := c.store.AddObject(raw)
	if err != nil {
		return cas.Digest{}, err
	}
	if err := c.pushBlob(ctx, d); err != nil {
		return cas.Digest{}, err
	}
	c.known.InsertUnique([]byte(d.Hash))
	return d, nil
}

// grpcReadStreamReader adapts bytestream's streaming Recv into an
// io.Reader so it can be handed to lz4.NewReader / io.ReadAll uniformly.
type grpcReadStreamReader struct {
	stream bytestream.ByteStream_ReadClient
	buf    []byte
}

func (r *grpcReadStreamReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		resp, err := r.stream.Recv()
		if err == io.EOF {
			return 0, io.EOF
		}
		if err != nil {
			return 0, err
		}
		r.buf = resp.Data
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
