package utp

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/onbjerg/ultralight/internal/protocol"
	"github.com/onbjerg/ultralight/internal/util"
)

// Role fixes which end of the transfer a socket is.
type Role int

const (
	RoleReader Role = iota // receives DATA, assembles content
	RoleWriter             // streams DATA, awaits acks
)

// State is the connection state.
type State int

const (
	StateNone State = iota
	StateSynSent
	StateSynRecv
	StateConnected
	StateGotFin
	StateClosed
	StateReset
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateSynSent:
		return "SynSent"
	case StateSynRecv:
		return "SynRecv"
	case StateConnected:
		return "Connected"
	case StateGotFin:
		return "GotFin"
	case StateClosed:
		return "Closed"
	case StateReset:
		return "Reset"
	}
	return "Unknown"
}

// Tuning constants.
const (
	inboxBufferSize = 64 // per-socket inbox channel capacity

	minRTOMicros          = 500_000     // RTO floor
	baseDelayWindowMicros = 120_000_000 // rolling base-delay window
	defaultMaxWindow      = 3 * protocol.MTU
	defaultRecvWindow     = 1 << 20 // advertised receive window

	// Consecutive RTO firings without an intervening ack before the
	// connection is reset.
	maxConsecutiveTimeouts = 3
)

// baseDelay is the minimum observed one-way delay within the rolling window.
type baseDelay struct {
	delay int64 // micros
	ts    int64 // wall clock micros when recorded
}

// Socket holds the complete per-connection state. All mutable fields are
// touched only by the owning goroutine's event loop; the inbox channel is
// the sole way in.
type Socket struct {
	// Identity
	remote     string
	role       Role
	sendConnID uint16
	recvConnID uint16

	// Sequence space
	state     State
	seqNr     uint16 // local send sequence
	ackNr     uint16 // highest contiguous remote sequence seen
	synSeq    uint16 // writer: sequence the SYN went out with
	readStart uint16 // reader: first expected DATA sequence
	finNr     *uint16

	// Flow control
	maxWindow float64
	out       *outgoingBuffer

	// Delay / RTT estimators (micros)
	rtt          int64
	rttVar       int64
	rto          int64
	base         baseDelay
	ourDelay     int64
	replyMicros  uint32
	timeoutCount int

	// Transfer endpoints
	reader *Reader
	writer *Writer

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	doneOnce  sync.Once

	inbox    chan *protocol.Packet
	sendFn   func(*protocol.Packet)
	activity chan struct{}

	rtoTimer *time.Timer
	rtoC     <-chan time.Time

	done      chan struct{}
	result    []byte
	err       error
	cancelErr error
}

// newSocket creates a socket without starting its event loop. Writers get
// their payload chunked immediately; readers get an empty gap buffer.
func newSocket(parentCtx context.Context, remote string, role Role, sendID, recvID uint16, payload []byte, sendFn func(*protocol.Packet)) *Socket {
	ctx, cancel := context.WithCancel(parentCtx)
	s := &Socket{
		remote:     remote,
		role:       role,
		sendConnID: sendID,
		recvConnID: recvID,
		state:      StateNone,
		maxWindow:  defaultMaxWindow,
		out:        newOutgoingBuffer(),
		rto:        minRTOMicros,
		ctx:        ctx,
		cancel:     cancel,
		inbox:      make(chan *protocol.Packet, inboxBufferSize),
		sendFn:     sendFn,
		activity:   make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	switch role {
	case RoleReader:
		s.reader = NewReader()
	case RoleWriter:
		s.writer = NewWriter(payload)
		s.seqNr = randSeq()
	}
	util.Stats.AddSocket()
	return s
}

func randSeq() uint16 {
	return uint16(rand.Intn(1 << 16))
}

// ---------------------------------------------------------------------------
// Public surface (safe from any goroutine)
// ---------------------------------------------------------------------------

// Done is closed when the transfer finished, failed, or was cancelled.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Result returns the assembled payload (readers) and the terminal error.
// Valid only after Done is closed.
func (s *Socket) Result() ([]byte, error) { return s.result, s.err }

// Activity receives a notification whenever the socket makes progress.
// Notifications are lossy; the channel only ever holds one.
func (s *Socket) Activity() <-chan struct{} { return s.activity }

// Remote returns the remote node this socket talks to.
func (s *Socket) Remote() string { return s.remote }

// RecvConnID returns the connection id inbound packets carry.
func (s *Socket) RecvConnID() uint16 { return s.recvConnID }

// SendConnID returns the connection id stamped on outbound packets.
func (s *Socket) SendConnID() uint16 { return s.sendConnID }

// Cancel aborts the transfer: the event loop sends RESET, drops buffers and
// resolves the pending result with ErrCancelled.
func (s *Socket) Cancel() {
	s.cancelErr = ErrCancelled
	s.cancel()
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

// run processes inbox packets and the RTO timer until the socket reaches a
// terminal state. Events for one socket never interleave.
func (s *Socket) run() {
	defer s.cleanup()

	for {
		select {
		case pkt := <-s.inbox:
			s.handlePacket(pkt)
		case <-s.rtoC:
			s.onTimeout()
		case <-s.ctx.Done():
			return
		}

		if s.state == StateClosed || s.state == StateReset {
			return
		}
	}
}

// connect starts the writer handshake. Called once, before the event loop.
func (s *Socket) connect() {
	s.synSeq = s.seqNr
	s.state = StateSynSent
	s.sendSyn()
	util.LogDebug("[%04x] SYN sent (seq=%d) to %s", s.sendConnID, s.synSeq, s.remote)
}

// cleanup consolidates all shutdown actions behind sync.Once so that
// resources are released exactly once no matter how the loop exits. A loop
// interrupted mid-transfer notifies the peer with a single RESET.
func (s *Socket) cleanup() {
	s.closeOnce.Do(func() {
		s.disarmRTO()
		if s.state != StateClosed && s.state != StateReset {
			s.sendReset()
			s.state = StateReset
		}
		s.cancel()

		err := s.cancelErr
		if err == nil {
			err = ErrCancelled
		}
		s.complete(nil, err)
		util.Stats.RemoveSocket()
		util.LogDebug("[%04x] socket cleanup complete (%s)", s.sendConnID, s.state)
	})
}

// complete resolves the pending result exactly once.
func (s *Socket) complete(data []byte, err error) {
	s.doneOnce.Do(func() {
		s.result = data
		s.err = err
		close(s.done)
	})
}

func (s *Socket) notifyActivity() {
	select {
	case s.activity <- struct{}{}:
	default:
	}
}

// ---------------------------------------------------------------------------
// Inbound dispatch
// ---------------------------------------------------------------------------

func (s *Socket) handlePacket(pkt *protocol.Packet) {
	if s.state == StateClosed || s.state == StateReset {
		util.LogDebug("[%04x] %v: dropping type %d packet", s.sendConnID, ErrStaleConnection, pkt.Type)
		return
	}

	s.updateDelay(pkt.TimestampMicros)

	switch pkt.Type {
	case protocol.TypeSyn:
		s.handleSyn(pkt)
	case protocol.TypeState:
		s.handleState(pkt)
	case protocol.TypeData:
		s.handleData(pkt)
	case protocol.TypeFin:
		s.handleFin(pkt)
	case protocol.TypeReset:
		s.handleReset()
	}

	s.notifyActivity()
}

// handleSyn accepts a connection on a reader socket awaiting its
// pre-negotiated id. Duplicate SYNs re-ack.
func (s *Socket) handleSyn(pkt *protocol.Packet) {
	if s.state != StateNone {
		if s.role == RoleReader && s.state == StateConnected {
			s.sendState(nil)
		}
		return
	}

	s.ackNr = pkt.SeqNr
	s.readStart = pkt.SeqNr + 1
	s.seqNr = randSeq()
	s.state = StateSynRecv
	s.sendState(nil)
	// A send callback that delivers synchronously may already have carried
	// the stream to its FIN; only a socket still in SynRecv moves on.
	if s.state == StateSynRecv {
		s.state = StateConnected
	}
	util.LogDebug("[%04x] connection accepted from %s (remote seq=%d)", s.sendConnID, s.remote, pkt.SeqNr)
}

func (s *Socket) handleState(pkt *protocol.Packet) {
	// A STATE acknowledging our FIN finishes the stream.
	if s.finNr != nil && pkt.AckNr == *s.finNr {
		s.out.remove(pkt.AckNr)
		s.disarmRTO()
		s.state = StateClosed
		s.complete(nil, nil)
		util.Logf("[%04x] transfer complete to %s", s.sendConnID, s.remote)
		return
	}

	switch s.state {
	case StateSynSent:
		if ts, ok := s.out.remove(pkt.AckNr); ok {
			s.updateRTT(ts)
		}
		s.timeoutCount = 0
		s.ackNr = pkt.SeqNr
		s.state = StateConnected
		s.disarmRTO()
		util.LogDebug("[%04x] connected to %s", s.sendConnID, s.remote)
		s.writeMore()

	case StateConnected:
		s.ackData(pkt)
	}
}

// ackData processes cumulative and selective acknowledgements on a writer,
// detecting losses and resuming the stream.
func (s *Socket) ackData(pkt *protocol.Packet) {
	w := s.writer
	if w == nil {
		return
	}

	progress := false
	if ts, ok := s.out.remove(pkt.AckNr); ok {
		s.updateRTT(ts)
		progress = true
	}
	w.ack(pkt.AckNr)

	// ack_nr is cumulative: everything at or before it is delivered.
	for _, seq := range s.out.seqs() {
		if protocol.SeqLE(seq, pkt.AckNr) {
			s.out.remove(seq)
			w.ack(seq)
			progress = true
		}
	}

	if mask := pkt.SelectiveAckExt(); mask != nil {
		maxAcked := pkt.AckNr
		protocol.EachSelectiveAck(mask, func(offset int) {
			seq := pkt.AckNr + 2 + uint16(offset)
			if _, ok := s.out.remove(seq); ok {
				progress = true
			}
			w.ack(seq)
			if protocol.SeqLess(maxAcked, seq) {
				maxAcked = seq
			}
		})

		// Every unacked sequence below the highest selectively-acked one
		// was skipped on the wire: retransmit immediately.
		for seq := pkt.AckNr + 1; protocol.SeqLess(seq, maxAcked); seq++ {
			if !w.isAcked(seq) && s.out.has(seq) {
				w.markLost(seq)
			}
		}
	}

	if progress {
		s.timeoutCount = 0
	}
	if s.out.len() == 0 {
		s.disarmRTO()
	}
	s.writeMore()
}

// handleData buffers inbound payload and acknowledges it: a plain STATE for
// in-order arrival, a selective-ACK STATE for anything out of order.
func (s *Socket) handleData(pkt *protocol.Packet) {
	if s.role != RoleReader || s.reader == nil {
		util.LogDebug("[%04x] unexpected DATA on writer socket", s.sendConnID)
		return
	}

	seq := pkt.SeqNr
	if protocol.SeqLE(seq, s.ackNr) {
		// Duplicate of an already-acked packet: re-ack, nothing else.
		s.sendState(nil)
		return
	}

	s.reader.AddPacket(seq, pkt.Payload)

	if seq == s.ackNr+1 {
		s.ackNr = s.reader.MaxContiguous(s.ackNr)
		s.sendState(nil)
	} else {
		s.sendState(s.selectiveAckMask())
	}
}

// selectiveAckMask encodes which of ack_nr+2 .. ack_nr+33 are buffered.
func (s *Socket) selectiveAckMask() []byte {
	return protocol.SelectiveAckBits(func(offset int) bool {
		return s.reader.Has(s.ackNr + 2 + uint16(offset))
	})
}

func (s *Socket) handleFin(pkt *protocol.Packet) {
	if s.role != RoleReader || s.reader == nil {
		util.LogDebug("[%04x] unexpected FIN on writer socket", s.sendConnID)
		return
	}

	fin := pkt.SeqNr
	s.finNr = &fin

	data, err := s.reader.Run(s.readStart, fin)

	s.ackNr = fin
	s.sendState(nil)
	s.state = StateGotFin
	s.state = StateClosed
	s.disarmRTO()

	if err != nil {
		util.LogWarning("[%04x] stream from %s incomplete: %v", s.sendConnID, s.remote, err)
		s.complete(nil, err)
		return
	}
	util.Logf("[%04x] received %d bytes from %s", s.sendConnID, len(data), s.remote)
	s.complete(data, nil)
}

func (s *Socket) handleReset() {
	util.LogWarning("[%04x] RESET from %s", s.sendConnID, s.remote)
	s.disarmRTO()
	s.state = StateReset
	s.complete(nil, ErrPeerReset)
}

// ---------------------------------------------------------------------------
// Writer stream
// ---------------------------------------------------------------------------

// curWindow is the in-flight byte count.
func (s *Socket) curWindow() int {
	return s.out.window()
}

// writeMore resumes the outbound stream: retransmit everything marked lost,
// then emit new chunks while the window allows, then FIN once every chunk is
// acknowledged. Retransmissions are not window-gated; after a throttle the
// window cannot admit a packet that is already in flight.
func (s *Socket) writeMore() {
	w := s.writer
	if w == nil || s.state != StateConnected {
		return
	}

	for {
		seq, ok := w.takeResend()
		if !ok {
			break
		}
		if chunk, ok := w.chunkFor(seq); ok {
			s.sendData(seq, chunk)
			util.Stats.AddRetransmit()
			util.LogDebug("[%04x] retransmit seq=%d", s.sendConnID, seq)
		}
	}

	for w.next < len(w.chunks) {
		// A collapsed window still admits one packet in flight, otherwise
		// the stream has no way to provoke the ack that reopens it.
		if s.out.len() > 0 && float64(s.curWindow()+protocol.MTU) > s.maxWindow {
			break
		}
		s.seqNr++
		chunk := w.assign(s.seqNr)
		s.sendData(s.seqNr, chunk)
	}

	if w.done() && !w.finSent {
		s.sendFin()
	}
}

// ---------------------------------------------------------------------------
// Outbound packets
// ---------------------------------------------------------------------------

// send stamps the shared header fields and hands the packet to the mux.
func (s *Socket) send(pkt *protocol.Packet) {
	pkt.ConnectionID = s.sendConnID
	pkt.TimestampMicros = protocol.NowMicros()
	pkt.TimestampDiffMicros = s.replyMicros
	pkt.WndSize = defaultRecvWindow
	s.sendFn(pkt)
}

func (s *Socket) sendSyn() {
	s.out.record(s.synSeq, protocol.NowMicros())
	s.send(&protocol.Packet{
		Type:  protocol.TypeSyn,
		SeqNr: s.synSeq,
		AckNr: s.ackNr,
	})
	s.armRTO()
}

func (s *Socket) sendData(seq uint16, chunk []byte) {
	s.out.record(seq, protocol.NowMicros())
	s.send(&protocol.Packet{
		Type:    protocol.TypeData,
		SeqNr:   seq,
		AckNr:   s.ackNr,
		Payload: chunk,
	})
	s.armRTO()
}

// sendState emits an acknowledgement, optionally carrying a selective-ACK
// bitmask. STATE packets do not consume sequence numbers.
func (s *Socket) sendState(mask []byte) {
	pkt := &protocol.Packet{
		Type:  protocol.TypeState,
		SeqNr: s.seqNr,
		AckNr: s.ackNr,
	}
	if mask != nil {
		pkt.Extensions = []protocol.Extension{{Type: protocol.ExtSelectiveAck, Data: mask}}
	}
	s.send(pkt)
}

// sendFin emits the first FIN, consuming one sequence number.
func (s *Socket) sendFin() {
	s.seqNr++
	fin := s.seqNr
	s.finNr = &fin
	s.writer.finSent = true
	s.sendFinPacket(fin)
	util.LogDebug("[%04x] FIN sent (seq=%d)", s.sendConnID, fin)
}

func (s *Socket) sendFinPacket(fin uint16) {
	s.out.record(fin, protocol.NowMicros())
	s.send(&protocol.Packet{
		Type:  protocol.TypeFin,
		SeqNr: fin,
		AckNr: s.ackNr,
	})
	s.armRTO()
}

func (s *Socket) sendReset() {
	s.send(&protocol.Packet{
		Type:  protocol.TypeReset,
		SeqNr: s.seqNr,
		AckNr: s.ackNr,
	})
}

// ---------------------------------------------------------------------------
// RTT / RTO
// ---------------------------------------------------------------------------

// updateRTT folds one round-trip sample into the smoothed estimators and
// recomputes the retransmission timeout, never below the 500 ms floor.
func (s *Socket) updateRTT(sentMicros uint32) {
	packetRTT := int64(protocol.NowMicros() - sentMicros)

	delta := s.rtt - packetRTT
	if delta < 0 {
		delta = -delta
	}
	s.rttVar += (delta - s.rttVar) / 4
	s.rtt += (packetRTT - s.rtt) / 8

	s.rto = s.rtt + 4*s.rttVar
	if s.rto < minRTOMicros {
		s.rto = minRTOMicros
	}
}

// armRTO (re)arms the single-shot retransmission timer. Re-arming cancels
// any pending timer, so at most one exists per socket.
func (s *Socket) armRTO() {
	d := time.Duration(s.rto) * time.Microsecond
	if s.rtoTimer == nil {
		s.rtoTimer = time.NewTimer(d)
	} else {
		if !s.rtoTimer.Stop() {
			select {
			case <-s.rtoTimer.C:
			default:
			}
		}
		s.rtoTimer.Reset(d)
	}
	s.rtoC = s.rtoTimer.C
}

func (s *Socket) disarmRTO() {
	if s.rtoTimer != nil {
		if !s.rtoTimer.Stop() {
			select {
			case <-s.rtoTimer.C:
			default:
			}
		}
	}
	s.rtoC = nil
}

// onTimeout fires when the RTO expires with packets still in flight.
func (s *Socket) onTimeout() {
	s.timeoutCount++
	util.LogDebug("[%04x] RTO fired (%d consecutive)", s.sendConnID, s.timeoutCount)

	if s.timeoutCount > maxConsecutiveTimeouts {
		util.LogWarning("[%04x] no progress after %d timeouts, resetting", s.sendConnID, maxConsecutiveTimeouts)
		s.sendReset()
		s.disarmRTO()
		s.state = StateReset
		s.complete(nil, ErrTimeout)
		return
	}

	s.throttle()
}

// throttle collapses the congestion window to a single packet, doubles the
// timeout and retransmits whatever is still in flight.
func (s *Socket) throttle() {
	s.maxWindow = protocol.MTU
	s.rto *= 2

	switch s.state {
	case StateSynSent:
		s.sendSyn()
		util.Stats.AddRetransmit()

	case StateConnected:
		if s.writer != nil {
			for _, seq := range s.out.seqs() {
				s.writer.markLost(seq)
			}
			if s.finNr != nil && s.out.has(*s.finNr) {
				s.sendFinPacket(*s.finNr)
				util.Stats.AddRetransmit()
			}
			s.writeMore()
		}
	}

	s.armRTO()
}

// ---------------------------------------------------------------------------
// LEDBAT
// ---------------------------------------------------------------------------

// updateDelay runs the LEDBAT controller on every timestamped inbound
// packet: track the minimum one-way delay over a rolling window and scale
// the congestion window by how far the current delay sits from it.
func (s *Socket) updateDelay(tsMicros uint32) {
	if tsMicros == 0 {
		return
	}

	diff := protocol.NowMicros() - tsMicros
	s.replyMicros = diff
	delay := int64(diff)

	s.ourDelay = delay - s.base.delay

	wallMicros := time.Now().UnixNano() / int64(time.Microsecond)
	if s.base.ts == 0 || wallMicros-s.base.ts > baseDelayWindowMicros || delay < s.base.delay {
		s.base = baseDelay{delay: delay, ts: wallMicros}
	}

	offTarget := s.base.delay - s.ourDelay
	if s.base.delay == 0 || s.maxWindow <= 0 {
		return
	}

	delayFactor := float64(offTarget) / float64(s.base.delay)
	windowFactor := float64(s.curWindow()) / s.maxWindow
	scaledGain := protocol.MaxCwndIncreasePacketsPerRTT * delayFactor * windowFactor

	s.maxWindow += scaledGain
	if s.maxWindow < 0 {
		s.maxWindow = 0
	}
}
