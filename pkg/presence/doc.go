// Package presence provides interfaces for the node presence registry.
//
// This package defines the core abstractions for tracking who is online:
//   - Registry: the authoritative set of node records plus the binding
//     from each node to its live connection
//   - Conn: anything that can accept events for one node
//   - Change: a node_joined, node_left or node_inactive notification
//
// Every record mutation and every delivery through a binding happens
// under the registry lock, so an event is never handed to a connection
// after its node was removed. Callers that must also update other state
// in the same critical section (the offline queue) do so from the
// fallback passed to DeliverOrElse or the function passed to WithConn;
// the lock order is always registry first, then the other structure.
//
// Conn.Deliver is called with the registry lock held. It must not block
// and must not call back into the registry.
//
// Example usage:
//
//	node, fresh, err := registry.RegisterOrUpdate(42, "Echo", "lab")
//	if err != nil {
//		return err
//	}
//	if _, err := registry.Bind(node.ID, conn); err != nil {
//		return err
//	}
//
//	delivered := registry.DeliverOrElse(99, ev, func() {
//		queue.Enqueue(99, msg)
//	})
package presence
