// Package rpc provides the shared gRPC transport plumbing used by the
// admin API (pkg/api), the tablet/blob-server client (pkg/tablet), and
// the peer name-server client (pkg/nsrpc): a JSON-based grpc.Codec plus
// a small helper for building a grpc.ServiceDesc by hand, since no
// protoc-generated stub package exists in this codebase. Every RPC still
// rides real google.golang.org/grpc connections, deadlines, and
// streaming machinery — only the wire encoding differs from protobuf.
package rpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the name this package registers its codec under, and the
// content-subtype every client/server in this module dials with.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec by marshaling/unmarshaling with
// encoding/json instead of protobuf wire format.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

// CallOption forces the JSON codec for an RPC, so clients never need to
// set it per call.
func CallOption() grpc.CallOption {
	return grpc.CallContentSubtype(CodecName)
}

// UnaryHandler is the plain-Go-struct equivalent of a protoc-generated
// service method: it receives a freshly allocated, JSON-decoded request
// and returns a plain response struct.
type UnaryHandler func(ctx context.Context, srv interface{}, req interface{}) (interface{}, error)

// MethodBinding pairs an RPC method name with its handler and an empty
// request value used to allocate a concrete type for decoding (mirrors
// the role a generated *Request struct plays in protoc output).
type MethodBinding struct {
	Name       string
	NewRequest func() interface{}
	Handler    UnaryHandler
}

// BuildServiceDesc assembles a grpc.ServiceDesc for serviceName from a
// list of unary method bindings. srv is passed through to each handler
// unchanged, exactly as grpc does for a generated service implementation.
func BuildServiceDesc(serviceName string, srv interface{}, bindings []MethodBinding) grpc.ServiceDesc {
	desc := grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*interface{})(nil),
		Metadata:    serviceName + ".json",
	}
	for _, b := range bindings {
		b := b
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: b.Name,
			Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				req := b.NewRequest()
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return b.Handler(ctx, srv, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/" + b.Name}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return b.Handler(ctx, srv, req)
				}
				return interceptor(ctx, req, info, handler)
			},
		})
	}
	return desc
}

// Dial opens a grpc.ClientConn that negotiates the JSON codec, used by
// pkg/tablet and pkg/nsrpc to reach peer endpoints over plaintext (mTLS
// is out of scope for this control plane).
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	return grpc.NewClient(target, opts...)
}
