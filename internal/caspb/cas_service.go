package caspb

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// FindMissingBlobsRequest/Response implement's batched
// blob-presence check.
type FindMissingBlobsRequest struct {
	InstanceName string    `protobuf:"bytes,1,opt,name=instance_name,json=instanceName,proto3" json:"instance_name,omitempty"`
	BlobDigests  []*Digest `protobuf:"bytes,2,rep,name=blob_digests,json=blobDigests,proto3" json:"blob_digests,omitempty"`
}

func (m *FindMissingBlobsRequest) Reset()         { *m = FindMissingBlobsRequest{} }
func (m *FindMissingBlobsRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*FindMissingBlobsRequest) ProtoMessage()    {}

type FindMissingBlobsResponse struct {
	MissingBlobDigests []*Digest `protobuf:"bytes,1,rep,name=missing_blob_digests,json=missingBlobDigests,proto3" json:"missing_blob_digests,omitempty"`
}

func (m *FindMissingBlobsResponse) Reset()         { *m = FindMissingBlobsResponse{} }
func (m *FindMissingBlobsResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*FindMissingBlobsResponse) ProtoMessage()    {}

// CASClient is the client stub for the ContentAddressableStorage service:
// FindMissingBlobs only — blob transfer itself goes over the standard
// ByteStream service.
type CASClient interface {
	FindMissingBlobs(ctx context.Context, in *FindMissingBlobsRequest, opts ...grpc.CallOption) (*FindMissingBlobsResponse, error)
}

type casClient struct{ cc grpc.ClientConnInterface }

// NewCASClient wraps an established connection.
func NewCASClient(cc grpc.ClientConnInterface) CASClient { return &casClient{cc} }

func (c *casClient) FindMissingBlobs(ctx context.Context, in *FindMissingBlobsRequest, opts ...grpc.CallOption) (*FindMissingBlobsResponse, error) {
	out := new(FindMissingBlobsResponse)
	err := c.cc.Invoke(ctx, "/bst.cas.v1.ContentAddressableStorage/FindMissingBlobs", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CASServer is the server-side contract the remote CAS server implements.
type CASServer interface {
	FindMissingBlobs(context.Context, *FindMissingBlobsRequest) (*FindMissingBlobsResponse, error)
}

func _CAS_FindMissingBlobs_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(FindMissingBlobsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CASServer).FindMissingBlobs(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/bst.cas.v1.ContentAddressableStorage/FindMissingBlobs"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CASServer).FindMissingBlobs(ctx, req.(*FindMissingBlobsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// CASServiceDesc is the grpc.ServiceDesc a protoc-gen-go-grpc plugin would
// normally emit for this service.
var CASServiceDesc = grpc.ServiceDesc{
	ServiceName: "bst.cas.v1.ContentAddressableStorage",
	HandlerType: (*CASServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FindMissingBlobs", Handler: _CAS_FindMissingBlobs_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bst/cas.proto",
}

// RegisterCASServer registers srv with s.
func RegisterCASServer(s *grpc.Server, srv CASServer) {
	s.RegisterService(&CASServiceDesc, srv)
}
