// Package meshnode provides the interface for the server core orchestrator.
//
// This package defines the core abstractions for the imotos node server:
//   - MeshNode: orchestrator that coordinates admission, presence and routing
//   - RegisterRequest: the proof-carrying registration payload
//   - HealthStatus: health monitoring and status reporting
//
// A node's life on the server:
//  1. The node requests a challenge and solves it locally
//  2. The node registers with its nonce; the gate admits it
//  3. The registry records the node and binds its connection
//  4. The node sends messages; the router dispatches them by type
//  5. Queued DIRECT messages are delivered when the node drains them
//  6. Disconnect or inactivity removes the node and peers are told
//
// Transports (gRPC, WebSocket) never touch the registry directly. They
// call MeshNode with the authenticated node id and a presence.Conn that
// receives events for that node.
//
// Example usage:
//
//	node, err := meshnode.NewNode(config)
//	if err != nil {
//		return err
//	}
//	if err := node.Start(ctx); err != nil {
//		return err
//	}
//	defer node.Close()
//
//	challenge, err := node.IssueChallenge(ctx, 42)
//	if err != nil {
//		return err
//	}
//	nonce, _, err := admission.Solve(ctx, challenge.Token, challenge.Difficulty, 0)
//	if err != nil {
//		return err
//	}
//
//	conn := meshnode.NewChannelConn(42, 64)
//	_, err = node.Register(ctx, conn, meshnode.RegisterRequest{
//		NodeID:      42,
//		DisplayName: "Echo",
//		Nonce:       nonce,
//	})
//	if err != nil {
//		return err
//	}
//
//	_, outcome, err := node.HandleMessage(ctx, 42, conn, brainwave.Message{
//		SenderID:   42,
//		SenderName: "Echo",
//		ReceiverID: 99,
//		Type:       brainwave.Direct,
//		Content:    "ping",
//	})
package meshnode
