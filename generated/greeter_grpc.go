package generated

import (
	"context"

	"google.golang.org/grpc"
)

// GreeterServer is the service implementation contract generated code
// would normally emit from greeter.proto: one unary call (SayHello),
// one bidi-capable echo stream (StreamGreet, served by the example
// server but not called by the example client), and one
// server-streaming call (InfiniteTicker) used to exercise the
// ticker/cancellation example.
type GreeterServer interface {
	SayHello(context.Context, *HelloRequest) (*HelloResponse, error)
	StreamGreet(Greeter_StreamGreetServer) error
	InfiniteTicker(*Empty, Greeter_InfiniteTickerServer) error
}

// UnimplementedGreeterServer can be embedded by a service implementation
// that only wants to provide some of the methods.
type UnimplementedGreeterServer struct{}

func (UnimplementedGreeterServer) SayHello(context.Context, *HelloRequest) (*HelloResponse, error) {
	return nil, grpcUnimplemented("SayHello")
}
func (UnimplementedGreeterServer) StreamGreet(Greeter_StreamGreetServer) error {
	return grpcUnimplemented("StreamGreet")
}
func (UnimplementedGreeterServer) InfiniteTicker(*Empty, Greeter_InfiniteTickerServer) error {
	return grpcUnimplemented("InfiniteTicker")
}

func grpcUnimplemented(method string) error {
	return errUnimplementedMethod{method}
}

type errUnimplementedMethod struct{ method string }

func (e errUnimplementedMethod) Error() string { return "generated: method not implemented: " + e.method }

// Greeter_StreamGreetServer is the per-RPC view of a StreamGreet stream.
type Greeter_StreamGreetServer interface {
	Send(*HelloResponse) error
	Recv() (*HelloRequest, error)
	grpc.ServerStream
}

type greeterStreamGreetServer struct {
	grpc.ServerStream
}

func (s *greeterStreamGreetServer) Send(m *HelloResponse) error { return s.ServerStream.SendMsg(m) }
func (s *greeterStreamGreetServer) Recv() (*HelloRequest, error) {
	m := new(HelloRequest)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Greeter_InfiniteTickerServer is the per-RPC view of an InfiniteTicker stream.
type Greeter_InfiniteTickerServer interface {
	Send(*Tick) error
	grpc.ServerStream
}

type greeterInfiniteTickerServer struct {
	grpc.ServerStream
}

func (s *greeterInfiniteTickerServer) Send(m *Tick) error { return s.ServerStream.SendMsg(m) }

func registerGreeterSayHello(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(HelloRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(GreeterServer).SayHello(ctx, req)
}

func registerGreeterStreamGreet(srv interface{}, stream grpc.ServerStream) error {
	return srv.(GreeterServer).StreamGreet(&greeterStreamGreetServer{stream})
}

func registerGreeterInfiniteTicker(srv interface{}, stream grpc.ServerStream) error {
	return srv.(GreeterServer).InfiniteTicker(new(Empty), &greeterInfiniteTickerServer{stream})
}

// GreeterServiceDesc mirrors the *grpc.ServiceDesc protoc-gen-go-grpc
// would generate for greeter.Greeter; RegisterGreeterServer hands it to
// any grpc.ServiceRegistrar, including wsbridge.Server.
var GreeterServiceDesc = grpc.ServiceDesc{
	ServiceName: "greeter.Greeter",
	HandlerType: (*GreeterServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SayHello",
			Handler:    registerGreeterSayHello,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamGreet",
			Handler:       registerGreeterStreamGreet,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "InfiniteTicker",
			Handler:       registerGreeterInfiniteTicker,
			ServerStreams: true,
		},
	},
	Metadata: "greeter.proto",
}

// RegisterGreeterServer registers srv's implementation against r (a
// *wsbridge.Server in this module, exactly as a real *grpc.Server would
// accept it).
func RegisterGreeterServer(r grpc.ServiceRegistrar, srv GreeterServer) {
	r.RegisterService(&GreeterServiceDesc, srv)
}
