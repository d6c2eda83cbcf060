// Server implements the remote CAS server: the same three gRPC services
// Client talks to, backed directly by a cas.Store. cmd/cas-server wires it
// up behind TLS and a push-enable flag as BuildStream's standalone peer
// binary.
package remote

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/pierrec/lz4/v3"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/buildstream-go/bst-core/cas"
	"github.com/buildstream-go/bst-core/internal/caspb"
)

// Register mounts every service s implements onto gs:
// ContentAddressableStorage.FindMissingBlobs, the ArtifactCache trio, and
// ByteStream.{Read,Write}.
func Register(gs *grpc.Server, s *Server) {
	caspb.RegisterCASServer(gs, s)
	caspb.RegisterArtifactCacheServer(gs, s)
	bytestream.RegisterByteStreamServer(gs, s)
}

// Server exposes a cas.Store to peers over gRPC.
// AllowUpdates gates both ByteStream.Write and ArtifactCache.UpdateArtifact
// with PERMISSION_DENIED when false, matching Status().allow_updates.
type Server struct {
	bytestream.UnimplementedByteStreamServer

	store        *cas.Store
	AllowUpdates bool
}

// NewServer wraps store for serving. allowUpdates controls whether this
// peer accepts pushes.
func NewServer(store *cas.Store, allowUpdates bool) *Server {
	return &Server{store: store, AllowUpdates: allowUpdates}
}

//
// CAS.FindMissingBlobs
//

func (s *Server) FindMissingBlobs(ctx context.Context, req *caspb.FindMissingBlobsRequest) (*caspb.FindMissingBlobsResponse, error) {
	resp := &caspb.FindMissingBlobsResponse{}
	for _, d := range req.BlobDigests {
		digest := fromPBDigest(d)
		if !s.store.HasObject(digest) {
			resp.MissingBlobDigests = append(resp.MissingBlobDigests, d)
		}
	}
	return resp, nil
}

//
// ArtifactCache.{GetArtifact,UpdateArtifact,Status}
//

func (s *Server) GetArtifact(ctx context.Context, req *caspb.GetArtifactRequest) (*caspb.GetArtifactResponse, error) {
	digest, err := s.store.ResolveRef(req.Key, true) // touch mtime: a remote pull is a use
	if err != nil {
		return &caspb.GetArtifactResponse{Found: false}, nil
	}
	return &caspb.GetArtifactResponse{Digest: toPBDigest(digest), Found: true}, nil
}

func (s *Server) UpdateArtifact(ctx context.Context, req *caspb.UpdateArtifactRequest) (*caspb.UpdateArtifactResponse, error) {
	if !s.AllowUpdates {
		return nil, status.Error(codes.PermissionDenied, "remote: push disabled on this server")
	}
	// No greedy reachability validation: this is a bulk write assuming the
	// client already uploaded every blob; a half-pushed artifact is cleaned
	// up by a later Prune.
	digest := fromPBDigest(req.Digest)
	for _, key := range req.Keys {
		if err := s.store.SetRef(key, digest); err != nil {
			return nil, status.Errorf(codes.Internal, "remote: cannot update ref %q: %v", key, err)
		}
	}
	return &caspb.UpdateArtifactResponse{}, nil
}

func (s *Server) Status(ctx context.Context, req *caspb.StatusRequest) (*caspb.StatusResponse, error) {
	return &caspb.StatusResponse{AllowUpdates: s.AllowUpdates}, nil
}

//
// ByteStream.{Read,Write}
//

// parsedResource is what resourceName() in client.go encodes: an optional
// leading instance name, then "blobs/<hash>/<size>", optionally suffixed
// "/lz4" when the transfer is compressed in transit.
type parsedResource struct {
	hash       string
	size       int64
	compressed bool
}

func parseResourceName(name string) (parsedResource, error) {
	compressed := false
	if strings.HasSuffix(name, "/lz4") {
		compressed = true
		name = strings.TrimSuffix(name, "/lz4")
	}
	idx := strings.Index(name, "blobs/")
	if idx < 0 {
		return parsedResource{}, fmt.Errorf("remote: malformed resource_name %q (missing blobs/ segment)", name)
	}
	rest := name[idx+len("blobs/"):]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return parsedResource{}, fmt.Errorf("remote: malformed resource_name %q (want <hash>/<size>)", name)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return parsedResource{}, fmt.Errorf("remote: malformed resource_name %q (bad size): %w", name, err)
	}
	return parsedResource{hash: parts[0], size: size, compressed: compressed}, nil
}

// Read streams an object in <=64KiB chunks from read_offset.
func (s *Server) Read(req *bytestream.ReadRequest, stream bytestream.ByteStream_ReadServer) error {
	res, err := parseResourceName(req.ResourceName)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	digest := cas.Digest{Hash: res.hash, Size: res.size}
	raw, err := s.store.ReadAll(digest)
	if err != nil {
		return status.Errorf(codes.NotFound, "remote: object %s not found: %v", digest, err)
	}
	payload := raw
	if res.compressed {
		payload = lz4Compress(raw)
	}
	if req.ReadOffset < 0 || req.ReadOffset > int64(len(payload)) {
		return status.Error(codes.OutOfRange, "remote: read_offset out of range")
	}
	payload = payload[req.ReadOffset:]
	for len(payload) > 0 {
		end := chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if err := stream.Send(&bytestream.ReadResponse{Data: payload[:end]}); err != nil {
			return err
		}
		payload = payload[end:]
	}
	return nil
}

// Write accepts an uploaded blob: resource_name on the
// first chunk declares the expected hash/size; subsequent chunks carry
// only data and write_offset; finish_write on the last chunk commits the
// object, after verifying committed_size and the uploaded hash match the
// declaration.
func (s *Server) Write(stream bytestream.ByteStream_WriteServer) error {
	if !s.AllowUpdates {
		return status.Error(codes.PermissionDenied, "remote: push disabled on this server")
	}
	var res parsedResource
	var buf []byte
	haveResource := false
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return status.Error(codes.InvalidArgument, "remote: stream closed before finish_write")
		}
		if err != nil {
			return err
		}
		if req.ResourceName != "" {
			parsed, perr := parseResourceName(req.ResourceName)
			if perr != nil {
				return status.Error(codes.InvalidArgument, perr.Error())
			}
			if haveResource && parsed != res {
				return status.Error(codes.InvalidArgument, "remote: resource_name changed mid-stream")
			}
			res = parsed
			haveResource = true
		}
		if !haveResource {
			return status.Error(codes.InvalidArgument, "remote: first WriteRequest must carry resource_name")
		}
		if req.WriteOffset != int64(len(buf)) {
			// Client restarts a blob from write_offset=0 on ABORTED; a
			// server that's mid-stream with this client just resets too.
			if req.WriteOffset == 0 {
				buf = buf[:0]
			} else {
				return status.Errorf(codes.InvalidArgument, "remote: unexpected write_offset %d (have %d bytes)", req.WriteOffset, len(buf))
			}
		}
		buf = append(buf, req.Data...)
		if req.FinishWrite {
			break
		}
	}
	payload := buf
	if res.compressed {
		decompressed, derr := io.ReadAll(lz4.NewReader(strings.NewReader(string(buf))))
		if derr != nil {
			return status.Errorf(codes.InvalidArgument, "remote: lz4 decompress failed: %v", derr)
		}
		payload = decompressed
	}
	if int64(len(payload)) != res.size {
		return status.Errorf(codes.InvalidArgument, "remote: committed_size %d does not match declared size %d", len(payload), res.size)
	}
	got, err := s.store.AddObject(payload)
	if err != nil {
		return status.Errorf(codes.Internal, "remote: cannot store uploaded blob: %v", err)
	}
	if got.Hash != res.hash {
		return status.Errorf(codes.InvalidArgument, "remote: uploaded bytes hash to %s, declared %s", got.Hash, res.hash)
	}
	glog.V(3).Infof("remote: server accepted blob %s (%d bytes)", got.Hash, got.Size)
	return stream.SendAndClose(&bytestream.WriteResponse{CommittedSize: int64(len(payload))})
}
