// Package portal bridges higher-level content requests to μTP transfer
// lifecycles. The wire protocol that negotiates transfers (FindContent,
// Offer/Accept) lives in the host client; the coordinator only consumes its
// results and drives the transport.
package portal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/onbjerg/ultralight/internal/storage"
	"github.com/onbjerg/ultralight/internal/util"
	"github.com/onbjerg/ultralight/internal/utp"
)

// DefaultIdleTimeout bounds how long a fetch waits without reader progress.
const DefaultIdleTimeout = 2 * time.Second

// FindContentResult is the host protocol's answer to a FindContent request:
// either the content itself, or a μTP handoff carrying a connection id.
type FindContentResult struct {
	Content []byte
	UTP     bool
	ConnID  uint16
}

// OfferResult is the peer's answer to an Offer: whether it wants the
// content, and the connection id to stream it on.
type OfferResult struct {
	Accepted bool
	ConnID   uint16
}

// ContentProtocol is the host's portal wire protocol.
type ContentProtocol interface {
	FindContent(ctx context.Context, remote string, key []byte) (*FindContentResult, error)
	Offer(ctx context.Context, remote string, key []byte) (*OfferResult, error)
}

// Coordinator maps content requests onto sockets and resolves them with
// reassembled bytes.
type Coordinator struct {
	// IdleTimeout is how long a pending fetch survives without progress
	// before resolving empty.
	IdleTimeout time.Duration

	mux     *utp.Mux
	store   storage.Store
	proto   ContentProtocol
	network string
}

// NewCoordinator wires a coordinator for one sub-protocol network.
func NewCoordinator(mux *utp.Mux, store storage.Store, proto ContentProtocol, network string) *Coordinator {
	return &Coordinator{
		IdleTimeout: DefaultIdleTimeout,
		mux:         mux,
		store:       store,
		proto:       proto,
		network:     network,
	}
}

// Fetch retrieves content from remote. Inline responses return immediately;
// a μTP handoff opens a reader socket and resolves when assembly completes.
// A transfer idle for IdleTimeout resolves with empty bytes, as does an
// incomplete stream. Cancelling ctx resets the connection.
func (c *Coordinator) Fetch(ctx context.Context, remote string, key []byte) ([]byte, error) {
	transfer := uuid.NewString()[:8]

	res, err := c.proto.FindContent(ctx, remote, key)
	if err != nil {
		return nil, err
	}

	if !res.UTP {
		util.LogDebug("(%s) inline content from %s (%d bytes)", transfer, remote, len(res.Content))
		c.deliver(ctx, key, res.Content)
		return res.Content, nil
	}

	sock, err := c.mux.CreateReader(remote, res.ConnID)
	if err != nil {
		return nil, err
	}
	util.LogDebug("(%s) awaiting transfer from %s on id %d", transfer, remote, res.ConnID)

	idle := time.NewTimer(c.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-sock.Done():
			data, err := sock.Result()
			if errors.Is(err, utp.ErrIncompleteStream) {
				util.LogWarning("(%s) incomplete stream from %s", transfer, remote)
				return []byte{}, nil
			}
			if err != nil {
				return nil, err
			}
			c.deliver(ctx, key, data)
			return data, nil

		case <-sock.Activity():
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.IdleTimeout)

		case <-idle.C:
			util.LogWarning("(%s) transfer from %s idle for %s, giving up", transfer, remote, c.IdleTimeout)
			sock.Cancel()
			return []byte{}, nil

		case <-ctx.Done():
			sock.Cancel()
			return nil, utp.ErrCancelled
		}
	}
}

// Serve offers content to remote and, on acceptance, streams it over a
// writer socket bound to the negotiated id. Resolves when the FIN is
// acknowledged.
func (c *Coordinator) Serve(ctx context.Context, remote string, key []byte, data []byte) error {
	transfer := uuid.NewString()[:8]

	res, err := c.proto.Offer(ctx, remote, key)
	if err != nil {
		return err
	}
	if !res.Accepted {
		util.LogDebug("(%s) offer declined by %s", transfer, remote)
		return nil
	}

	sock, err := c.mux.CreateWriterWithID(remote, res.ConnID, data)
	if err != nil {
		return err
	}
	util.LogDebug("(%s) streaming %d bytes to %s on id %d", transfer, len(data), remote, res.ConnID)

	select {
	case <-sock.Done():
		_, err := sock.Result()
		return err
	case <-ctx.Done():
		sock.Cancel()
		return utp.ErrCancelled
	}
}

// deliver writes assembled content through to the database. Failures are
// logged, not surfaced: the fetch succeeded regardless.
func (c *Coordinator) deliver(ctx context.Context, key []byte, data []byte) {
	if len(data) == 0 {
		return
	}
	if err := c.store.Put(ctx, c.network, key, data); err != nil {
		util.LogError("content store put failed: %v", err)
	}
}
