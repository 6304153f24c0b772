package util

import (
	"testing"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
)

func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{100 * 1024, " 0.1 MiB"},
	}
	for _, tc := range testCases {
		got := formatBytes(tc.in)
		assert.Equal(t, tc.want, got)
		assert.Len(t, got, 8)
	}
}

func TestFormatStats(t *testing.T) {
	assert.Equal(t, "In: 99.0   B/s | Out:  1.5 KiB/s | Resend:   2 | NAK:   0",
		formatStats(99, 1536, 2, 0))
}

func TestNewSessionIDNonZeroAndSpread(t *testing.T) {
	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		id := NewSessionID()
		assert.NotZero(t, id)
		seen[id] = true
	}
	assert.Greater(t, len(seen), 990)
}

func TestStatsCounters(t *testing.T) {
	before := Stats.PacketsSent.Load()
	bytesBefore := Stats.BytesSent.Load()
	Stats.AddSent(19)
	assert.Equal(t, before+1, Stats.PacketsSent.Load())
	assert.Equal(t, bytesBefore+19, Stats.BytesSent.Load())
}

func TestDebugEnabledFollowsLevel(t *testing.T) {
	prev := pterm.DefaultLogger.Level
	t.Cleanup(func() { pterm.DefaultLogger.Level = prev })

	pterm.DefaultLogger.Level = pterm.LogLevelInfo
	assert.False(t, DebugEnabled())

	EnableDebug()
	assert.True(t, DebugEnabled())
}
