package nodelink

import (
	"google.golang.org/grpc"
)

const (
	// ServiceName is the gRPC service exposed by the server.
	ServiceName = "imotos.v1.NodeLink"
	// ConnectMethod is the full method name of the bidirectional stream.
	ConnectMethod = "/" + ServiceName + "/Connect"
	// AuthorizationKey is the metadata key carrying the bearer token.
	AuthorizationKey = "authorization"
)

// ConnectStream describes the Connect stream for clients.
var ConnectStream = grpc.StreamDesc{
	StreamName:    "Connect",
	ServerStreams: true,
	ClientStreams: true,
}

// LinkServer is the server side of the node link service.
type LinkServer interface {
	Connect(stream grpc.BidiStreamingServer[ClientFrame, ServerFrame]) error
}

// ServiceDesc registers a LinkServer with a *grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LinkServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "imotos/v1/nodelink",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(LinkServer).Connect(&grpc.GenericServerStream[ClientFrame, ServerFrame]{ServerStream: stream})
}

// RegisterLinkServer attaches srv to s.
func RegisterLinkServer(s grpc.ServiceRegistrar, srv LinkServer) {
	s.RegisterService(&ServiceDesc, srv)
}
