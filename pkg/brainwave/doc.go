// Package brainwave defines the shared vocabulary of the imotos network.
//
// This package holds the types every other component exchanges:
//   - Message: the typed, priority-ordered envelope nodes send to each other
//   - Node: a registry record describing a connected participant
//   - NetworkState: the aggregate view broadcast to every node
//   - Event: what the server pushes down a node's connection
//   - Error: the recoverable error taxonomy (validation, permission,
//     admission, crypto, unknown recipient)
//
// Messages are validated with Validate after ApplyDefaults has filled in
// the optional fields. A message that fails validation is never routed;
// the error travels back to the sending connection only.
//
// Example usage:
//
//	msg := brainwave.Message{
//		SenderID:   42,
//		SenderName: "Echo",
//		ReceiverID: 99,
//		Type:       brainwave.Direct,
//		Content:    "ping",
//	}
//	msg.ApplyDefaults(time.Now())
//	if err := msg.Validate(); err != nil {
//		return err // errors.Is(err, brainwave.ErrValidation)
//	}
package brainwave
