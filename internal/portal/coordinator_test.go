package portal

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onbjerg/ultralight/internal/session"
	"github.com/onbjerg/ultralight/internal/storage"
	"github.com/onbjerg/ultralight/internal/utp"
)

// memSession is a minimal in-memory session.Session for coordinator tests.
type memSession struct {
	name  string
	peer  *memSession
	inbox chan []byte

	mu      sync.RWMutex
	handler session.Handler

	ready chan struct{}
	ctx   context.Context
	stop  context.CancelFunc
}

func newMemPair() (*memSession, *memSession) {
	a := newMemSession("alpha")
	b := newMemSession("beta")
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

func newMemSession(name string) *memSession {
	ctx, stop := context.WithCancel(context.Background())
	s := &memSession{
		name:  name,
		inbox: make(chan []byte, 1024),
		ready: make(chan struct{}),
		ctx:   ctx,
		stop:  stop,
	}
	close(s.ready)
	return s
}

func (s *memSession) pump() {
	for {
		select {
		case data := <-s.inbox:
			s.mu.RLock()
			h := s.handler
			s.mu.RUnlock()
			if h != nil {
				h(s.peer.name, data)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *memSession) Send(_ string, payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case s.peer.inbox <- buf:
	case <-s.ctx.Done():
	}
	return nil
}

func (s *memSession) OnDatagram(h session.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *memSession) Ready() <-chan struct{} { return s.ready }
func (s *memSession) Done() <-chan struct{}  { return s.ctx.Done() }
func (s *memSession) Close() error           { s.stop(); return nil }

// fakeProtocol scripts the host wire protocol.
type fakeProtocol struct {
	find  func(remote string, key []byte) (*FindContentResult, error)
	offer func(remote string, key []byte) (*OfferResult, error)
}

func (f *fakeProtocol) FindContent(_ context.Context, remote string, key []byte) (*FindContentResult, error) {
	return f.find(remote, key)
}

func (f *fakeProtocol) Offer(_ context.Context, remote string, key []byte) (*OfferResult, error) {
	return f.offer(remote, key)
}

// TestFetchInline: an inline FindContent response short-circuits the
// transport and still writes through to the store.
func TestFetchInline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessA, _ := newMemPair()
	mux := utp.NewMux(ctx, sessA)
	store := storage.NewMemoryStore()

	content := []byte("inline content")
	proto := &fakeProtocol{
		find: func(string, []byte) (*FindContentResult, error) {
			return &FindContentResult{Content: content}, nil
		},
	}

	c := NewCoordinator(mux, store, proto, "history")
	data, err := c.Fetch(ctx, "beta", []byte{0x01})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Errorf("Fetch = %q, want %q", data, content)
	}

	stored, err := store.Get(ctx, "history", []byte{0x01})
	if err != nil || !bytes.Equal(stored, content) {
		t.Errorf("store.Get = %q, %v", stored, err)
	}
}

// TestFetchHandoff: a μTP handoff opens a reader and resolves with the
// streamed bytes once the remote writer finishes.
func TestFetchHandoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessA, sessB := newMemPair()
	muxA := utp.NewMux(ctx, sessA)
	muxB := utp.NewMux(ctx, sessB)
	store := storage.NewMemoryStore()

	payload := bytes.Repeat([]byte{0x5A}, 5000)
	const connID = 606

	proto := &fakeProtocol{
		find: func(string, []byte) (*FindContentResult, error) {
			// The "remote" starts streaming once it has answered.
			go func() {
				time.Sleep(50 * time.Millisecond)
				if _, err := muxB.CreateWriterWithID("alpha", connID, payload); err != nil {
					t.Errorf("remote writer: %v", err)
				}
			}()
			return &FindContentResult{UTP: true, ConnID: connID}, nil
		},
	}

	c := NewCoordinator(muxA, store, proto, "history")
	key := []byte{0xAA, 0xBB}
	data, err := c.Fetch(ctx, "beta", key)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("Fetch returned %d bytes, want %d", len(data), len(payload))
	}

	stored, err := store.Get(ctx, "history", key)
	if err != nil || !bytes.Equal(stored, payload) {
		t.Errorf("content not written through: %v", err)
	}
}

// TestFetchIdleTimeout: a handoff nobody streams on resolves empty.
func TestFetchIdleTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessA, _ := newMemPair()
	mux := utp.NewMux(ctx, sessA)

	proto := &fakeProtocol{
		find: func(string, []byte) (*FindContentResult, error) {
			return &FindContentResult{UTP: true, ConnID: 99}, nil
		},
	}

	c := NewCoordinator(mux, storage.NewMemoryStore(), proto, "history")
	c.IdleTimeout = 150 * time.Millisecond

	start := time.Now()
	data, err := c.Fetch(ctx, "beta", []byte{0x02})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("Fetch = %d bytes, want empty", len(data))
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("fetch resolved after %s, before the idle timeout", elapsed)
	}
}

// TestFetchCancelled: cancelling the context aborts the pending transfer.
func TestFetchCancelled(t *testing.T) {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	sessA, _ := newMemPair()
	mux := utp.NewMux(rootCtx, sessA)

	proto := &fakeProtocol{
		find: func(string, []byte) (*FindContentResult, error) {
			return &FindContentResult{UTP: true, ConnID: 77}, nil
		},
	}

	c := NewCoordinator(mux, storage.NewMemoryStore(), proto, "history")

	fetchCtx, fetchCancel := context.WithCancel(rootCtx)
	go func() {
		time.Sleep(50 * time.Millisecond)
		fetchCancel()
	}()

	if _, err := c.Fetch(fetchCtx, "beta", []byte{0x03}); !errors.Is(err, utp.ErrCancelled) {
		t.Errorf("Fetch error = %v, want ErrCancelled", err)
	}
}

// TestServeDeclined: a declined offer is not an error and opens no socket.
func TestServeDeclined(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessA, _ := newMemPair()
	mux := utp.NewMux(ctx, sessA)

	proto := &fakeProtocol{
		offer: func(string, []byte) (*OfferResult, error) {
			return &OfferResult{Accepted: false}, nil
		},
	}

	c := NewCoordinator(mux, storage.NewMemoryStore(), proto, "history")
	if err := c.Serve(ctx, "beta", []byte{0x04}, []byte("unwanted")); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if mux.Len() != 0 {
		t.Errorf("declined offer opened %d sockets", mux.Len())
	}
}

// TestServeAccepted streams content to an accepting peer.
func TestServeAccepted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessA, sessB := newMemPair()
	muxA := utp.NewMux(ctx, sessA)
	muxB := utp.NewMux(ctx, sessB)

	const connID = 808
	reader, err := muxB.CreateReader("alpha", connID)
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}

	proto := &fakeProtocol{
		offer: func(string, []byte) (*OfferResult, error) {
			return &OfferResult{Accepted: true, ConnID: connID}, nil
		},
	}

	payload := bytes.Repeat([]byte{0x7E}, 4000)
	c := NewCoordinator(muxA, storage.NewMemoryStore(), proto, "history")
	if err := c.Serve(ctx, "beta", []byte{0x05}, payload); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	select {
	case <-reader.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reader never finished")
	}
	data, err := reader.Result()
	if err != nil || !bytes.Equal(data, payload) {
		t.Errorf("reader got %d bytes, %v", len(data), err)
	}
}
