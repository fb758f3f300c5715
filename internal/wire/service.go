package wire

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName    = "aether.relay.v1.Relay"
	ConnectMethod  = "/aether.relay.v1.Relay/Connect"
	connectStream  = "Connect"
	serviceSchemaV = "aether/relay/v1"
)

// RelayServer is implemented by the relay.
type RelayServer interface {
	Connect(RelayConnectServer) error
}

// RelayConnectServer is the server half of a Connect stream.
type RelayConnectServer interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ServerStream
}

// RelayConnectClient is the client half of a Connect stream.
type RelayConnectClient interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ClientStream
}

// RelayServiceDesc describes the relay service for grpc.Server.RegisterService.
var RelayServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RelayServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    connectStream,
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: serviceSchemaV,
}

// RegisterRelayServer attaches srv to a gRPC server.
func RegisterRelayServer(s grpc.ServiceRegistrar, srv RelayServer) {
	s.RegisterService(&RelayServiceDesc, srv)
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RelayServer).Connect(&connectServer{stream})
}

type connectServer struct {
	grpc.ServerStream
}

func (s *connectServer) Send(f *Frame) error {
	return s.ServerStream.SendMsg(f)
}

func (s *connectServer) Recv() (*Frame, error) {
	f := new(Frame)
	if err := s.ServerStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

// RelayClient opens Connect streams on a client connection.
type RelayClient struct {
	cc grpc.ClientConnInterface
}

func NewRelayClient(cc grpc.ClientConnInterface) *RelayClient {
	return &RelayClient{cc: cc}
}

// Connect opens a bidirectional stream using the CBOR codec.
func (c *RelayClient) Connect(ctx context.Context, opts ...grpc.CallOption) (RelayConnectClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &RelayServiceDesc.Streams[0], ConnectMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &connectClient{stream}, nil
}

type connectClient struct {
	grpc.ClientStream
}

func (c *connectClient) Send(f *Frame) error {
	return c.ClientStream.SendMsg(f)
}

func (c *connectClient) Recv() (*Frame, error) {
	f := new(Frame)
	if err := c.ClientStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}
