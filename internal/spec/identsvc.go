package spec

import "code.dogecoin.org/governor"

// ConsumerID is an opaque token for one outbound session that currently
// wants the ident listener to be running.
type ConsumerID string

// ConnRecord is one currently-open outbound connection owned by the host:
// the local endpoint we connected FROM, the remote endpoint we connected TO,
// and the identity string that owns the connection.
type ConnRecord struct {
	LocalIP    string `json:"local_ip"`
	LocalPort  uint16 `json:"local_port"`
	RemoteIP   string `json:"remote_ip"`
	RemotePort uint16 `json:"remote_port"`
	Identity   string `json:"identity"`
}

// Registry is a point-in-time view over the host's outbound connections.
// Snapshot order is the host's insertion order; the resolver's fallback
// tie-break depends on it.
type Registry interface {
	Snapshot() []ConnRecord
}

// IdentSvc answers RFC 1413 queries on demand: the listening socket is
// open exactly while at least one consumer is registered.
type IdentSvc interface {
	governor.Service
	Register(id ConsumerID) (ok bool, alreadyBound bool)
	Deregister(id ConsumerID) (wasRegistered bool)
	IsListening() bool
	LastBindFailed() bool
	ActiveConsumerCount() int
	LastRequest() string
	LastReply() string
}
