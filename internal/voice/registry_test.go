package voice

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestRegistryRejectsConcurrentSessions(t *testing.T) {
	clk := clock.NewMock()
	r := NewSessionRegistry(clk, 500*time.Millisecond)

	require.True(t, r.TryBegin("alice"))
	require.True(t, r.Active("alice"))
	require.False(t, r.TryBegin("alice"))
	require.True(t, r.TryBegin("bob"), "speakers are independent")
}

func TestRegistryLockAfterCompletion(t *testing.T) {
	clk := clock.NewMock()
	r := NewSessionRegistry(clk, 500*time.Millisecond)

	require.True(t, r.TryBegin("alice"))
	r.Complete("alice")
	require.False(t, r.Active("alice"))

	clk.Add(499 * time.Millisecond)
	require.False(t, r.TryBegin("alice"), "re-trigger inside the lock is rejected")

	clk.Add(time.Millisecond)
	require.True(t, r.TryBegin("alice"))
}

func TestRegistryForget(t *testing.T) {
	clk := clock.NewMock()
	r := NewSessionRegistry(clk, 500*time.Millisecond)

	require.True(t, r.TryBegin("alice"))
	require.False(t, r.Forget("alice"), "active speaker is kept")

	r.Complete("alice")
	require.False(t, r.Forget("alice"), "locked speaker is kept")

	clk.Add(500 * time.Millisecond)
	require.True(t, r.Forget("alice"))
	require.Equal(t, 0, r.Len())
	require.True(t, r.LockedUntil("alice").IsZero())
}

func TestRegistryZeroLock(t *testing.T) {
	r := NewSessionRegistry(clock.NewMock(), 0)
	require.True(t, r.TryBegin("alice"))
	r.Complete("alice")
	require.True(t, r.TryBegin("alice"))
}
