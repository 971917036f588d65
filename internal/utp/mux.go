// Package utp implements a LEDBAT-style, ACK-driven reliable stream on top
// of the unreliable datagram channel provided by the host's discv5 session.
// The Mux owns the sockets; each socket runs its own event loop and talks to
// the network only through the send callback the Mux injects.
package utp

import (
	"context"
	"fmt"
	"sync"

	"github.com/onbjerg/ultralight/internal/protocol"
	"github.com/onbjerg/ultralight/internal/session"
	"github.com/onbjerg/ultralight/internal/util"
)

// routeKey identifies a socket: connection ids are only unique per remote.
type routeKey struct {
	remote string
	connID uint16
}

// Mux demultiplexes inbound μTP datagrams onto per-connection sockets and
// bridges their outbound packets to the host session.
type Mux struct {
	ctx  context.Context
	sess session.Session

	mu     sync.Mutex
	routes map[routeKey]*Socket
}

// NewMux creates a multiplexer and hooks it into the session's inbound path.
func NewMux(ctx context.Context, sess session.Session) *Mux {
	m := &Mux{
		ctx:    ctx,
		sess:   sess,
		routes: make(map[routeKey]*Socket),
	}
	sess.OnDatagram(m.Dispatch)
	return m
}

// CreateWriter opens an initiating writer socket for payload: a fresh random
// receive id is allocated (retrying on collision) and the SYN goes out
// immediately. Returns the socket; its Done channel resolves when the FIN is
// acknowledged.
func (m *Mux) CreateWriter(remote string, payload []byte) (*Socket, error) {
	m.mu.Lock()
	var recvID uint16
	for {
		recvID = randSeq()
		if _, busy := m.routes[routeKey{remote, recvID}]; !busy {
			break
		}
	}
	sock := newSocket(m.ctx, remote, RoleWriter, recvID+1, recvID, payload, m.sender(remote))
	m.routes[routeKey{remote, recvID}] = sock
	m.mu.Unlock()

	m.watch(sock)
	sock.connect()
	go sock.run()
	return sock, nil
}

// CreateWriterWithID opens a writer socket for an id negotiated out-of-band
// (an Offer acceptance). The negotiated id is the writer's send id.
func (m *Mux) CreateWriterWithID(remote string, sendID uint16, payload []byte) (*Socket, error) {
	recvID := sendID - 1

	m.mu.Lock()
	if _, busy := m.routes[routeKey{remote, recvID}]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d on %s", ErrConnIDBusy, recvID, remote)
	}
	sock := newSocket(m.ctx, remote, RoleWriter, sendID, recvID, payload, m.sender(remote))
	m.routes[routeKey{remote, recvID}] = sock
	m.mu.Unlock()

	m.watch(sock)
	sock.connect()
	go sock.run()
	return sock, nil
}

// CreateReader opens a reader socket accepting an incoming transfer whose
// connection id was pre-negotiated (a FindContent handoff). The socket sits
// in the None state until the initiator's SYN arrives.
func (m *Mux) CreateReader(remote string, connID uint16) (*Socket, error) {
	m.mu.Lock()
	if _, busy := m.routes[routeKey{remote, connID}]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d on %s", ErrConnIDBusy, connID, remote)
	}
	sock := newSocket(m.ctx, remote, RoleReader, connID-1, connID, nil, m.sender(remote))
	m.routes[routeKey{remote, connID}] = sock
	m.mu.Unlock()

	m.watch(sock)
	go sock.run()
	return sock, nil
}

// watch removes the route once the socket's context is done.
func (m *Mux) watch(sock *Socket) {
	go func() {
		<-sock.ctx.Done()
		m.mu.Lock()
		delete(m.routes, routeKey{sock.remote, sock.recvConnID})
		m.mu.Unlock()
	}()
}

// Dispatch decodes one inbound datagram and routes it to the matching
// socket's inbox. Undecodable datagrams and packets without a socket are
// dropped; a SYN only finds a route when a reader is accepting its id.
func (m *Mux) Dispatch(remote string, data []byte) {
	pkt, err := protocol.Decode(data)
	if err != nil {
		util.LogDebug("dropping datagram from %s: %v", remote, err)
		return
	}
	util.Stats.AddRecv(len(data))

	m.mu.Lock()
	sock, ok := m.routes[routeKey{remote, pkt.ConnectionID}]
	m.mu.Unlock()

	if !ok {
		util.LogDebug("%v: type %d packet for id %d from %s", ErrUnknownConnection, pkt.Type, pkt.ConnectionID, remote)
		return
	}

	select {
	case sock.inbox <- pkt:
	case <-sock.ctx.Done():
	default:
		util.LogWarning("[%04x] inbox full, dropping packet", pkt.ConnectionID)
	}
}

// sender builds the opaque send callback a socket uses for its lifetime.
func (m *Mux) sender(remote string) func(*protocol.Packet) {
	return func(pkt *protocol.Packet) {
		data := protocol.Encode(pkt)
		if err := m.sess.Send(remote, data); err != nil {
			util.LogError("send to %s failed: %v", remote, err)
			return
		}
		util.Stats.AddSent(len(data))
	}
}

// Len returns the number of live sockets.
func (m *Mux) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.routes)
}
