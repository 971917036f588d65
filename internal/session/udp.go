package session

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/onbjerg/ultralight/internal/util"
)

// maxDatagram bounds the read buffer. μTP packets never exceed the MTU, but
// the socket may receive junk from unrelated senders.
const maxDatagram = 2048

// UDPSession is a plain UDP stand-in for the discv5 session layer, used by
// the demo binary and end-to-end tests. Remote nodes are addressed by their
// "host:port" string.
type UDPSession struct {
	conn *net.UDPConn

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}

	mu      sync.RWMutex
	handler Handler
	addrs   map[string]*net.UDPAddr
}

// ListenUDP opens a UDP socket on addr and starts the read loop.
func ListenUDP(parentCtx context.Context, addr string) (*UDPSession, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(parentCtx)
	s := &UDPSession{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
		addrs:  make(map[string]*net.UDPAddr),
	}
	close(s.ready) // a bound UDP socket is immediately usable

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go s.readLoop()

	return s, nil
}

func (s *UDPSession) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.ctx.Done():
				// Normal shutdown.
			default:
				util.LogError("UDP read error: %v", err)
				s.cancel()
			}
			return
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		s.mu.RLock()
		h := s.handler
		s.mu.RUnlock()
		if h != nil {
			h(from.String(), payload)
		}
	}
}

// Send transmits a datagram to remote ("host:port"). Resolved addresses are
// cached per remote.
func (s *UDPSession) Send(remote string, payload []byte) error {
	s.mu.RLock()
	addr, ok := s.addrs[remote]
	s.mu.RUnlock()

	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", remote)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", remote, err)
		}
		s.mu.Lock()
		s.addrs[remote] = resolved
		s.mu.Unlock()
		addr = resolved
	}

	_, err := s.conn.WriteToUDP(payload, addr)
	return err
}

// OnDatagram registers the inbound handler.
func (s *UDPSession) OnDatagram(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Ready returns a channel closed once the session can carry datagrams.
func (s *UDPSession) Ready() <-chan struct{} { return s.ready }

// Done returns a channel closed when the session is shut down.
func (s *UDPSession) Done() <-chan struct{} { return s.ctx.Done() }

// Close shuts the session down and releases the socket.
func (s *UDPSession) Close() error {
	s.cancel()
	return nil
}

// LocalAddr returns the bound address, useful when listening on port 0.
func (s *UDPSession) LocalAddr() string {
	return s.conn.LocalAddr().String()
}
