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

// Stats is the process-wide link counter set.
var Stats = &stats{}

type stats struct {
	BytesSent   atomic.Int64 // bytes written to the device
	BytesRecv   atomic.Int64 // bytes read from the device
	PacketsSent atomic.Int64 // wire packets written, control packets included
	PacketsRecv atomic.Int64 // valid wire packets decoded
	Resends     atomic.Int64 // data packets written again after NAK or timeout
	NaksSent    atomic.Int64
	NaksRecv    atomic.Int64
	Dropped     atomic.Int64 // frames discarded as noise or overflow
	SoftResets  atomic.Int64
	Reopens     atomic.Int64 // device (re)open count
}

func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)); s.PacketsSent.Add(1) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddPacket()    { s.PacketsRecv.Add(1) }
func (s *stats) AddResend()    { s.Resends.Add(1) }
func (s *stats) AddNakSent()   { s.NaksSent.Add(1) }
func (s *stats) AddNakRecv()   { s.NaksRecv.Add(1) }
func (s *stats) AddDropped()   { s.Dropped.Add(1) }
func (s *stats) AddSoftReset() { s.SoftResets.Add(1) }
func (s *stats) AddReopen()    { s.Reopens.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs link statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevResends, prevNaks int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				resends := Stats.Resends.Load()
				naks := Stats.NaksRecv.Load() + Stats.NaksSent.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				retry := resends - prevResends
				nak := naks - prevNaks

				if retry > 0 || nak > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, retry, nak))
				}

				prevSent = sent
				prevRecv = recv
				prevResends = resends
				prevNaks = naks

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
func formatStats(inS, outS float64, retry, nak int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Resend: %3d | NAK: %3d",
		formatBytes(inS),
		formatBytes(outS),
		retry,
		nak,
	)
}
