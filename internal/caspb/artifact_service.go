package caspb

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// GetArtifactRequest/Response, UpdateArtifactRequest/Response, and
// Status{Request,Response} implement the ArtifactCache service.
type GetArtifactRequest struct {
	InstanceName string `protobuf:"bytes,1,opt,name=instance_name,json=instanceName,proto3" json:"instance_name,omitempty"`
	Key          string `protobuf:"bytes,2,opt,name=key,proto3" json:"key,omitempty"`
}

func (m *GetArtifactRequest) Reset()         { *m = GetArtifactRequest{} }
func (m *GetArtifactRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*GetArtifactRequest) ProtoMessage()    {}

type GetArtifactResponse struct {
	Digest *Digest `protobuf:"bytes,1,opt,name=digest,proto3" json:"digest,omitempty"`
	Found  bool    `protobuf:"varint,2,opt,name=found,proto3" json:"found,omitempty"`
}

func (m *GetArtifactResponse) Reset()         { *m = GetArtifactResponse{} }
func (m *GetArtifactResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*GetArtifactResponse) ProtoMessage()    {}

type UpdateArtifactRequest struct {
	InstanceName string   `protobuf:"bytes,1,opt,name=instance_name,json=instanceName,proto3" json:"instance_name,omitempty"`
	Keys         []string `protobuf:"bytes,2,rep,name=keys,proto3" json:"keys,omitempty"`
	Digest       *Digest  `protobuf:"bytes,3,opt,name=digest,proto3" json:"digest,omitempty"`
}

func (m *UpdateArtifactRequest) Reset()         { *m = UpdateArtifactRequest{} }
func (m *UpdateArtifactRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*UpdateArtifactRequest) ProtoMessage()    {}

type UpdateArtifactResponse struct{}

func (m *UpdateArtifactResponse) Reset()         { *m = UpdateArtifactResponse{} }
func (m *UpdateArtifactResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*UpdateArtifactResponse) ProtoMessage()    {}

type StatusRequest struct {
	InstanceName string `protobuf:"bytes,1,opt,name=instance_name,json=instanceName,proto3" json:"instance_name,omitempty"`
}

func (m *StatusRequest) Reset()         { *m = StatusRequest{} }
func (m *StatusRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*StatusRequest) ProtoMessage()    {}

type StatusResponse struct {
	AllowUpdates bool `protobuf:"varint,1,opt,name=allow_updates,json=allowUpdates,proto3" json:"allow_updates,omitempty"`
}

func (m *StatusResponse) Reset()         { *m = StatusResponse{} }
func (m *StatusResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*StatusResponse) ProtoMessage()    {}

// ArtifactCacheClient is the client stub for the ArtifactCache service.
type ArtifactCacheClient interface {
	GetArtifact(ctx context.Context, in *GetArtifactRequest, opts ...grpc.CallOption) (*GetArtifactResponse, error)
	UpdateArtifact(ctx context.Context, in *UpdateArtifactRequest, opts ...grpc.CallOption) (*UpdateArtifactResponse, error)
	Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error)
}

type artifactCacheClient struct{ cc grpc.ClientConnInterface }

// NewArtifactCacheClient wraps an established connection.
func NewArtifactCacheClient(cc grpc.ClientConnInterface) ArtifactCacheClient {
	return &artifactCacheClient{cc}
}

func (c *artifactCacheClient) GetArtifact(ctx context.Context, in *GetArtifactRequest, opts ...grpc.CallOption) (*GetArtifactResponse, error) {
	out := new(GetArtifactResponse)
	if err := c.cc.Invoke(ctx, "/bst.cas.v1.ArtifactCache/GetArtifact", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *artifactCacheClient) UpdateArtifact(ctx context.Context, in *UpdateArtifactRequest, opts ...grpc.CallOption) (*UpdateArtifactResponse, error) {
	out := new(UpdateArtifactResponse)
	if err := c.cc.Invoke(ctx, "/bst.cas.v1.ArtifactCache/UpdateArtifact", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *artifactCacheClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	out := new(StatusResponse)
	if err := c.cc.Invoke(ctx, "/bst.cas.v1.ArtifactCache/Status", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ArtifactCacheServer is the server-side contract.
type ArtifactCacheServer interface {
	GetArtifact(context.Context, *GetArtifactRequest) (*GetArtifactResponse, error)
	UpdateArtifact(context.Context, *UpdateArtifactRequest) (*UpdateArtifactResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
}

func _ArtifactCache_GetArtifact_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetArtifactRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ArtifactCacheServer).GetArtifact(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/bst.cas.v1.ArtifactCache/GetArtifact"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ArtifactCacheServer).GetArtifact(ctx, req.(*GetArtifactRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ArtifactCache_UpdateArtifact_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(UpdateArtifactRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ArtifactCacheServer).UpdateArtifact(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/bst.cas.v1.ArtifactCache/UpdateArtifact"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ArtifactCacheServer).UpdateArtifact(ctx, req.(*UpdateArtifactRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ArtifactCache_Status_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ArtifactCacheServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/bst.cas.v1.ArtifactCache/Status"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ArtifactCacheServer).Status(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ArtifactCacheServiceDesc is the grpc.ServiceDesc for the ArtifactCache service.
var ArtifactCacheServiceDesc = grpc.ServiceDesc{
	ServiceName: "bst.cas.v1.ArtifactCache",
	HandlerType: (*ArtifactCacheServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetArtifact", Handler: _ArtifactCache_GetArtifact_Handler},
		{MethodName: "UpdateArtifact", Handler: _ArtifactCache_UpdateArtifact_Handler},
		{MethodName: "Status", Handler: _ArtifactCache_Status_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bst/cas.proto",
}

// RegisterArtifactCacheServer registers srv with s.
func RegisterArtifactCacheServer(s *grpc.Server, srv ArtifactCacheServer) {
	s.RegisterService(&ArtifactCacheServiceDesc, srv)
}
