package remote

import (
	"bytes"
	"context"
	"io"
	"testing"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/buildstream-go/bst-core/cas"
	"github.com/buildstream-go/bst-core/internal/caspb"
)

func newTestServer(t *testing.T, allowPush bool) (*Server, *cas.Store) {
	t.Helper()
	store, err := cas.Open(t.TempDir())
	if err != nil {
		t.Fatalf("cas.Open: %v", err)
	}
	return NewServer(store, allowPush), store
}

func TestParseResourceName(t *testing.T) {
	cases := []struct {
		name    string
		want    parsedResource
		wantErr bool
	}{
		{"blobs/abcd/42", parsedResource{hash: "abcd", size: 42}, false},
		{"inst/blobs/abcd/42", parsedResource{hash: "abcd", size: 42}, false},
		{"blobs/abcd/42/lz4", parsedResource{hash: "abcd", size: 42, compressed: true}, false},
		{"abcd/42", parsedResource{}, true},
		{"blobs/abcd", parsedResource{}, true},
		{"blobs/abcd/notanumber", parsedResource{}, true},
	}
	for _, c := range cases {
		got, err := parseResourceName(c.name)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseResourceName(%q) succeeded, want error", c.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseResourceName(%q): %v", c.name, err)
			continue
		}
		if got != c.want {
			t.Errorf("parseResourceName(%q) = %+v, want %+v", c.name, got, c.want)
		}
	}
}

func TestResourceNameRoundTrip(t *testing.T) {
	d := cas.DigestForBytes([]byte("payload"))
	for _, compressed := range []bool{false, true} {
		for _, instance := range []string{"", "main"} {
			name := resourceName(instance, d, compressed)
			got, err := parseResourceName(name)
			if err != nil {
				t.Fatalf("parseResourceName(%q): %v", name, err)
			}
			if got.hash != d.Hash || got.size != d.Size || got.compressed != compressed {
				t.Fatalf("round trip of %q = %+v", name, got)
			}
		}
	}
}

func TestFindMissingBlobs(t *testing.T) {
	srv, store := newTestServer(t, false)
	present, _ := store.AddObject([]byte("present"))
	absent := cas.DigestForBytes([]byte("absent"))

	resp, err := srv.FindMissingBlobs(context.Background(), &caspb.FindMissingBlobsRequest{
		BlobDigests: []*caspb.Digest{toPBDigest(present), toPBDigest(absent)},
	})
	if err != nil {
		t.Fatalf("FindMissingBlobs: %v", err)
	}
	if len(resp.MissingBlobDigests) != 1 {
		t.Fatalf("missing = %v, want exactly the absent blob", resp.MissingBlobDigests)
	}
	if resp.MissingBlobDigests[0].Hash != absent.Hash {
		t.Fatalf("missing = %v, want %v", resp.MissingBlobDigests[0].Hash, absent.Hash)
	}
}

func TestGetArtifactAndStatus(t *testing.T) {
	srv, store := newTestServer(t, true)
	d, _ := store.AddObject([]byte("artifact"))
	if err := store.SetRef("p/el/key", d); err != nil {
		t.Fatalf("SetRef: %v", err)
	}

	resp, err := srv.GetArtifact(context.Background(), &caspb.GetArtifactRequest{Key: "p/el/key"})
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if !resp.Found || resp.Digest.Hash != d.Hash {
		t.Fatalf("GetArtifact = %+v, want the committed digest", resp)
	}

	missing, err := srv.GetArtifact(context.Background(), &caspb.GetArtifactRequest{Key: "p/el/nope"})
	if err != nil {
		t.Fatalf("GetArtifact(miss): %v", err)
	}
	if missing.Found {
		t.Fatal("unknown key should report not found")
	}

	st, err := srv.Status(context.Background(), &caspb.StatusRequest{})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.AllowUpdates {
		t.Fatal("push-enabled server should advertise allow_updates")
	}
}

func TestUpdateArtifactRequiresPushEnabled(t *testing.T) {
	srv, store := newTestServer(t, false)
	d, _ := store.AddObject([]byte("artifact"))
	_, err := srv.UpdateArtifact(context.Background(), &caspb.UpdateArtifactRequest{
		Keys: []string{"p/el/key"}, Digest: toPBDigest(d),
	})
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("UpdateArtifact on read-only server = %v, want PERMISSION_DENIED", err)
	}
}

func TestUpdateArtifactBindsEveryKey(t *testing.T) {
	srv, store := newTestServer(t, true)
	d, _ := store.AddObject([]byte("artifact"))
	_, err := srv.UpdateArtifact(context.Background(), &caspb.UpdateArtifactRequest{
		Keys: []string{"p/el/strong", "p/el/weak"}, Digest: toPBDigest(d),
	})
	if err != nil {
		t.Fatalf("UpdateArtifact: %v", err)
	}
	for _, key := range []string{"p/el/strong", "p/el/weak"} {
		got, rerr := store.ResolveRef(key, false)
		if rerr != nil || got.Hash != d.Hash {
			t.Fatalf("ref %q = %v (%v), want the pushed digest", key, got, rerr)
		}
	}
}

// fakeReadStream captures ByteStream.Read responses.
type fakeReadStream struct {
	grpc.ServerStream
	chunks [][]byte
}

func (s *fakeReadStream) Send(resp *bytestream.ReadResponse) error {
	s.chunks = append(s.chunks, resp.Data)
	return nil
}

func (s *fakeReadStream) Context() context.Context { return context.Background() }

func TestReadStreamsInChunks(t *testing.T) {
	srv, store := newTestServer(t, false)
	payload := bytes.Repeat([]byte("x"), chunkSize+100) // forces two chunks
	d, _ := store.AddObject(payload)

	stream := &fakeReadStream{}
	err := srv.Read(&bytestream.ReadRequest{ResourceName: resourceName("", d, false)}, stream)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(stream.chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(stream.chunks))
	}
	var got []byte
	for _, c := range stream.chunks {
		if len(c) > chunkSize {
			t.Fatalf("chunk of %d bytes exceeds the %d limit", len(c), chunkSize)
		}
		got = append(got, c...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("reassembled read does not match the stored object")
	}
}

func TestReadHonorsOffset(t *testing.T) {
	srv, store := newTestServer(t, false)
	payload := []byte("0123456789")
	d, _ := store.AddObject(payload)

	stream := &fakeReadStream{}
	err := srv.Read(&bytestream.ReadRequest{ResourceName: resourceName("", d, false), ReadOffset: 4}, stream)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := string(bytes.Join(stream.chunks, nil)); got != "456789" {
		t.Fatalf("Read from offset 4 = %q, want %q", got, "456789")
	}
}

func TestReadMissingObjectIsNotFound(t *testing.T) {
	srv, _ := newTestServer(t, false)
	d := cas.DigestForBytes([]byte("never stored"))
	err := srv.Read(&bytestream.ReadRequest{ResourceName: resourceName("", d, false)}, &fakeReadStream{})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("Read of a missing object = %v, want NOT_FOUND", err)
	}
}

// fakeWriteStream feeds scripted WriteRequests into ByteStream.Write.
type fakeWriteStream struct {
	grpc.ServerStream
	reqs []*bytestream.WriteRequest
	resp *bytestream.WriteResponse
}

func (s *fakeWriteStream) Recv() (*bytestream.WriteRequest, error) {
	if len(s.reqs) == 0 {
		return nil, io.EOF
	}
	req := s.reqs[0]
	s.reqs = s.reqs[1:]
	return req, nil
}

func (s *fakeWriteStream) SendAndClose(resp *bytestream.WriteResponse) error {
	s.resp = resp
	return nil
}

func (s *fakeWriteStream) Context() context.Context { return context.Background() }

func writeRequests(name string, payload []byte) []*bytestream.WriteRequest {
	var reqs []*bytestream.WriteRequest
	for offset := 0; ; offset += chunkSize {
		end := offset + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		req := &bytestream.WriteRequest{
			Data:        payload[offset:end],
			WriteOffset: int64(offset),
			FinishWrite: end == len(payload),
		}
		if offset == 0 {
			req.ResourceName = name
		}
		reqs = append(reqs, req)
		if end == len(payload) {
			return reqs
		}
	}
}

func TestWriteStoresBlob(t *testing.T) {
	srv, store := newTestServer(t, true)
	payload := bytes.Repeat([]byte("y"), chunkSize+10)
	d := cas.DigestForBytes(payload)

	stream := &fakeWriteStream{reqs: writeRequests(resourceName("", d, false), payload)}
	if err := srv.Write(stream); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if stream.resp == nil || stream.resp.CommittedSize != int64(len(payload)) {
		t.Fatalf("committed_size = %+v, want %d", stream.resp, len(payload))
	}
	if !store.HasObject(d) {
		t.Fatal("uploaded blob should be stored")
	}
}

func TestWriteRejectsWhenPushDisabled(t *testing.T) {
	srv, _ := newTestServer(t, false)
	payload := []byte("denied")
	d := cas.DigestForBytes(payload)
	stream := &fakeWriteStream{reqs: writeRequests(resourceName("", d, false), payload)}
	err := srv.Write(stream)
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("Write on read-only server = %v, want PERMISSION_DENIED", err)
	}
}

func TestWriteRejectsSizeMismatch(t *testing.T) {
	srv, _ := newTestServer(t, true)
	payload := []byte("actual bytes")
	declared := cas.Digest{Hash: cas.DigestForBytes(payload).Hash, Size: int64(len(payload)) + 5}
	stream := &fakeWriteStream{reqs: writeRequests(resourceName("", declared, false), payload)}
	err := srv.Write(stream)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("size-mismatched write = %v, want INVALID_ARGUMENT", err)
	}
}

func TestWriteRejectsHashMismatch(t *testing.T) {
	srv, _ := newTestServer(t, true)
	payload := []byte("actual bytes")
	declared := cas.Digest{Hash: cas.DigestForBytes([]byte("other bytes")).Hash, Size: int64(len(payload))}
	stream := &fakeWriteStream{reqs: writeRequests(resourceName("", declared, false), payload)}
	err := srv.Write(stream)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("hash-mismatched write = %v, want INVALID_ARGUMENT", err)
	}
}

func TestWriteRestartFromOffsetZero(t *testing.T) {
	// An ABORTED client restarts the blob from write_offset 0; the server
	// must discard the partial buffer instead of concatenating.
	srv, store := newTestServer(t, true)
	payload := []byte("second attempt")
	d := cas.DigestForBytes(payload)
	name := resourceName("", d, false)
	reqs := []*bytestream.WriteRequest{
		{ResourceName: name, WriteOffset: 0, Data: []byte("first att")},
		{WriteOffset: 0, Data: payload, FinishWrite: true},
	}
	stream := &fakeWriteStream{reqs: reqs}
	if err := srv.Write(stream); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !store.HasObject(d) {
		t.Fatal("restarted upload should store the second attempt's bytes")
	}
}

func TestWriteAcceptsLZ4Transit(t *testing.T) {
	srv, store := newTestServer(t, true)
	payload := bytes.Repeat([]byte("compress me "), 1024)
	d := cas.DigestForBytes(payload)
	stream := &fakeWriteStream{reqs: writeRequests(resourceName("", d, true), lz4Compress(payload))}
	if err := srv.Write(stream); err != nil {
		t.Fatalf("Write(lz4): %v", err)
	}
	if !store.HasObject(d) {
		t.Fatal("decompressed blob should be stored under its raw digest")
	}
	raw, err := store.ReadAll(d)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(raw, payload) {
		t.Fatal("stored bytes must be the uncompressed payload")
	}
}
