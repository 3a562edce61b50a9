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

// Stats is the process-wide peer connection and traffic counter. Both role
// loops update it.
var Stats = &stats{}

type stats struct {
	TotalConns  atomic.Int64 // peer connections opened since process start
	ClosedConns atomic.Int64 // peer connections closed since process start
	BytesSent   atomic.Int64 // bytes written to peer sockets
	BytesRecv   atomic.Int64 // bytes read from peer sockets
}

func (s *stats) AddConn()      { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()   { s.ClosedConns.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// Open returns the number of peer connections currently open.
func (s *stats) Open() int64 { return s.TotalConns.Load() - s.ClosedConns.Load() }

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	TotalConns, ClosedConns int64
	BytesSent, BytesRecv    int64
}

func (s *stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		TotalConns:  s.TotalConns.Load(),
		ClosedConns: s.ClosedConns.Load(),
		BytesSent:   s.BytesSent.Load(),
		BytesRecv:   s.BytesRecv.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StatsReportInterval is how often StartStatsReporter logs.
const StatsReportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs peer traffic every
// StatsReportInterval while something changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(StatsReportInterval)
		defer ticker.Stop()

		secs := StatsReportInterval.Seconds()
		prev := Stats.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				inS := float64(cur.BytesRecv-prev.BytesRecv) / secs
				outS := float64(cur.BytesSent-prev.BytesSent) / secs
				opened := cur.TotalConns - prev.TotalConns
				closed := cur.ClosedConns - prev.ClosedConns

				if opened > 0 || closed > 0 || inS > 0 || outS > 0 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, opened, closed, Stats.Open()))
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

func formatStats(inS, outS float64, opened, closed, open int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Peers: %2d↑ %2d↓ (%d open)",
		formatBytes(inS),
		formatBytes(outS),
		opened,
		closed,
		open,
	)
}
