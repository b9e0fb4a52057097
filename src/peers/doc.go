// Package peers keeps track of the connections of a Prism node.
//
// A node has children, the connections it accepted, and at most one parent,
// the connection it dialed. A child starts as a plain client. It becomes a
// confirmed peer when it announces the port it listens on; from then on it is
// part of the overlay tree and can be handed to other nodes as a failover or
// rebalance target.
package peers
