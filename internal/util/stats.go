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

// Stats is the process-wide traffic counter.
var Stats = &stats{}

type stats struct {
	MessagesSent atomic.Int64 // application messages fully handed to the channel
	MessagesRecv atomic.Int64 // application messages emitted to the application
	FramesSent   atomic.Int64 // wire frames written to the DataChannel
	FramesRecv   atomic.Int64 // wire frames read from the DataChannel
	BytesSent    atomic.Int64 // cumulative bytes written to the DataChannel
	BytesRecv    atomic.Int64 // cumulative bytes read from the DataChannel
}

func (s *stats) AddMessageSent() { s.MessagesSent.Add(1) }
func (s *stats) AddMessageRecv() { s.MessagesRecv.Add(1) }

func (s *stats) AddSent(n int) {
	s.FramesSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.FramesRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	MessagesSent, MessagesRecv int64
	FramesSent, FramesRecv     int64
	BytesSent, BytesRecv       int64
}

// Snapshot reads all counters.
func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		MessagesSent: s.MessagesSent.Load(),
		MessagesRecv: s.MessagesRecv.Load(),
		FramesSent:   s.FramesSent.Load(),
		FramesRecv:   s.FramesRecv.Load(),
		BytesSent:    s.BytesSent.Load(),
		BytesRecv:    s.BytesRecv.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs channel statistics
// every interval. Quiet intervals are not logged. It stops when ctx is
// cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := Stats.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				secs := interval.Seconds()

				outS := float64(cur.BytesSent-prev.BytesSent) / secs
				inS := float64(cur.BytesRecv-prev.BytesRecv) / secs
				outM := cur.MessagesSent - prev.MessagesSent
				inM := cur.MessagesRecv - prev.MessagesRecv

				if outM > 0 || inM > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inM, outM))
				}

				prev = cur

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
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inM, outM int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Msg: %2d↓ %2d↑",
		formatBytes(inS),
		formatBytes(outS),
		inM,
		outM,
	)
}
