// Package nodelink defines the frames exchanged between a node and the
// server, and the gRPC service that carries them.
//
// A node opens one bidirectional Connect stream, authenticated by a bearer
// token in the "authorization" metadata, and then:
//  1. Sends KindChallenge and solves the returned puzzle
//  2. Sends KindRegister with the nonce
//  3. Sends KindMessage frames, each answered by a KindAck
//  4. Receives KindEvent frames for presence changes, messages and receipts
//
// Frames are CBOR encoded. The codec is registered with gRPC under the
// content subtype "cbor" when this package is imported. The same frames are
// used as JSON over WebSocket, where messages travel in the Message field
// instead of as binary Envelope frames.
//
// Example usage:
//
//	conn, err := grpc.NewClient(addr,
//		grpc.WithTransportCredentials(insecure.NewCredentials()),
//		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(nodelink.CodecName)))
//	if err != nil {
//		return err
//	}
//	ctx = metadata.AppendToOutgoingContext(ctx, nodelink.AuthorizationKey, "Bearer "+token)
//	cs, err := conn.NewStream(ctx, &nodelink.ConnectStream, nodelink.ConnectMethod)
//	if err != nil {
//		return err
//	}
//	stream := &grpc.GenericClientStream[nodelink.ClientFrame, nodelink.ServerFrame]{ClientStream: cs}
//	err = stream.Send(&nodelink.ClientFrame{Kind: nodelink.KindChallenge, Seq: 1})
package nodelink
