package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide transfer counter.
var Stats = &stats{}

type stats struct {
	SocketsOpened atomic.Int64 // cumulative count of sockets created since process start
	SocketsClosed atomic.Int64 // cumulative count of sockets torn down since process start
	BytesSent     atomic.Int64 // cumulative datagram bytes handed to the session layer
	BytesRecv     atomic.Int64 // cumulative datagram bytes received from the session layer
	Retransmits   atomic.Int64 // cumulative DATA/SYN/FIN retransmissions
}

func (s *stats) AddSocket()     { s.SocketsOpened.Add(1) }
func (s *stats) RemoveSocket()  { s.SocketsClosed.Add(1) }
func (s *stats) AddSent(n int)  { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)  { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddRetransmit() { s.Retransmits.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs transfer statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevOpened, prevClosed, prevRetx int64
		for {
			select {
			case <-ticker.C:
				opened := Stats.SocketsOpened.Load()
				closed := Stats.SocketsClosed.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				retx := Stats.Retransmits.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				inC := opened - prevOpened
				outC := closed - prevClosed
				dRetx := retx - prevRetx

				if inC > 0 || outC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inC, outC, dRetx))
				}

				prevSent = sent
				prevRecv = recv
				prevOpened = opened
				prevClosed = closed
				prevRetx = retx

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inC, outC, retx int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Sock: %2d↑ %2d↓ | Retx: %d",
		formatBytes(inS),
		formatBytes(outS),
		inC,
		outC,
		retx,
	)
}
