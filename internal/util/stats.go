package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Counters
// ──────────────────────────────────────────────────────────────────────────────

// Counters is a set of cumulative traffic/channel counters. All fields are
// safe for concurrent use, so a reporter goroutine can read them while the
// session loop writes.
type Counters struct {
	ChannelsOpened  atomic.Int64 // channels created, local or remote
	ChannelsEnded   atomic.Int64 // channels that reached ENDED
	ChannelsFreed   atomic.Int64 // channels released from every registry
	Timeouts        atomic.Int64 // channels ended by the liveness timeout
	Retransmits     atomic.Int64 // reliable packets sent again
	IDRejects       atomic.Int64 // inbound packets dropped by parity or replay checks
	ReleaseRequests atomic.Int64 // frees deferred because a holder was attached
	PacketsSent     atomic.Int64
	PacketsRecv     atomic.Int64
	BytesSent       atomic.Int64 // cumulative bytes written to the link
	BytesRecv       atomic.Int64 // cumulative bytes read from the link
}

// Stats is the process-wide default counter set.
var Stats = &Counters{}

func (c *Counters) AddSent(n int) {
	c.PacketsSent.Add(1)
	c.BytesSent.Add(int64(n))
}

func (c *Counters) AddRecv(n int) {
	c.PacketsRecv.Add(1)
	c.BytesRecv.Add(int64(n))
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs link statistics every
// interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, c *Counters, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevOpened, prevEnded, prevRetx int64
		for {
			select {
			case <-ticker.C:
				opened := c.ChannelsOpened.Load()
				ended := c.ChannelsEnded.Load()
				sent := c.BytesSent.Load()
				recv := c.BytesRecv.Load()
				retx := c.Retransmits.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				upC := opened - prevOpened
				downC := ended - prevEnded

				if upC > 0 || downC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, upC, downC, retx-prevRetx))
				}

				prevSent = sent
				prevRecv = recv
				prevOpened = opened
				prevEnded = ended
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
func formatStats(inS, outS float64, upC, downC, retx int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Chan: %2d↑ %2d↓ | Retx: %d",
		formatBytes(inS),
		formatBytes(outS),
		upC,
		downC,
		retx,
	)
}
