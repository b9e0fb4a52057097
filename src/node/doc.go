// Package node implements the reactive component of a Prism node.
//
// A node is both a server, accepting child connections, and the client of at
// most one parent. Nodes form a tree over which chat messages are flooded.
//
// # Event loop
//
// All the state of a node (its children, its parent, its failover candidate)
// is owned by a single goroutine running Node.Run. The transport's reader and
// accept goroutines, the user's input, and background dials only produce
// events for that loop; each event is handled completely before the next one
// is taken, so handlers never need locks.
//
// # Topology
//
// A joining node sends a Port envelope announcing its listening port. Its new
// parent confirms it, unless it already has Capacity confirmed children, in
// which case it answers with a Rebalance pointing at one of them, chosen in
// turn.
//
// Every node tells its confirmed children where to go should it disappear,
// with a Failover envelope: its own parent if it has one, otherwise one of
// the confirmed children, promoted to successor. When the parent connection
// closes, the node dials its failover candidate and announces itself there
// with Port and Name. Without a candidate, or if the dial fails, the node
// becomes the root of its own tree.
//
// # Messages
//
// Regular envelopes are printed and forwarded unchanged to every connection
// but the one they came from. A Name envelope produces a join notice, which
// is flooded the same way.
package node
