// Package session abstracts the discv5 host session the transport rides on.
// The discovery layer itself lives outside this repository; the transport
// only needs a way to send datagrams to a remote node and to be told about
// inbound datagrams tagged with the μTP protocol ID.
package session

// Handler receives every inbound datagram together with the remote node it
// came from.
type Handler func(remote string, payload []byte)

// Session is the datagram channel provided by the host's discovery-v5 layer.
// Implementations must be safe for concurrent use by multiple sockets.
type Session interface {
	// Send transmits a single datagram to the given remote node.
	Send(remote string, payload []byte) error

	// OnDatagram registers the inbound handler. Only one handler is active;
	// registering again replaces it.
	OnDatagram(h Handler)

	// Ready is closed when the session can carry datagrams.
	Ready() <-chan struct{}

	// Done is closed when the session is shut down.
	Done() <-chan struct{}

	// Close shuts the session down.
	Close() error
}
