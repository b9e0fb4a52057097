// Package service implements an optional HTTP API to inspect a running node.
//
// GET /stats returns the node's counters and topology as a JSON object, GET
// /peers its children and parent, and GET /metrics the Prometheus metrics.
package service
