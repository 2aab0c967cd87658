package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerBroadcastsToAllChannels(t *testing.T) {
	ch1 := NewMockChannel("a")
	ch2 := NewMockChannel("b")
	m := NewManager([]Channel{ch1, ch2}, time.Minute)

	require.NoError(t, m.SendWarning("drawdown approaching threshold", map[string]interface{}{"dd": 0.04}))

	assert.Equal(t, 1, ch1.Count())
	assert.Equal(t, 1, ch2.Count())
	assert.Equal(t, "WARNING", ch1.GetAlerts()[0].Level)
	assert.False(t, ch1.GetAlerts()[0].Timestamp.IsZero())
}

func TestManagerThrottlesDuplicates(t *testing.T) {
	ch := NewMockChannel("a")
	m := NewManager([]Channel{ch}, time.Minute)

	require.NoError(t, m.SendError("venue unreachable", nil))
	require.NoError(t, m.SendError("venue unreachable", nil))
	assert.Equal(t, 1, ch.Count())

	// 不同消息不受影响
	require.NoError(t, m.SendError("order rejected", nil))
	assert.Equal(t, 2, ch.Count())

	// 重置后放行
	m.ResetThrottle()
	require.NoError(t, m.SendError("venue unreachable", nil))
	assert.Equal(t, 3, ch.Count())
}

func TestManagerErrorOnlyWhenAllChannelsFail(t *testing.T) {
	bad := NewMockChannel("bad")
	bad.SetShouldError(true)
	good := NewMockChannel("good")

	m := NewManager([]Channel{bad, good}, time.Minute)
	assert.NoError(t, m.SendInfo("started", nil))

	m2 := NewManager([]Channel{bad}, time.Minute)
	assert.Error(t, m2.SendCritical("breaker tripped", nil))
}
