package clocktest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func fired(ch <-chan time.Time) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestTimer_FiresAtDeadline(t *testing.T) {
	c := NewFakeClock(epoch)
	tm := c.NewTimer(10 * time.Second)

	c.Advance(9 * time.Second)
	assert.False(t, fired(tm.C()))

	c.Advance(time.Second)
	assert.True(t, fired(tm.C()))
	assert.Equal(t, 0, c.Waiters())
}

func TestTimer_NonPositiveFiresOnAdvanceZero(t *testing.T) {
	c := NewFakeClock(epoch)
	tm := c.NewTimer(-5 * time.Second)
	c.Advance(0)
	assert.True(t, fired(tm.C()))
}

func TestTimer_Stop(t *testing.T) {
	c := NewFakeClock(epoch)
	tm := c.NewTimer(time.Second)
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())

	c.Advance(time.Minute)
	assert.False(t, fired(tm.C()))
}

func TestTicker_FiresEachPeriod(t *testing.T) {
	c := NewFakeClock(epoch)
	tk := c.NewTicker(time.Second)

	for i := 1; i <= 3; i++ {
		c.Advance(time.Second)
		select {
		case at := <-tk.C():
			assert.Equal(t, epoch.Add(time.Duration(i)*time.Second), at)
		default:
			t.Fatalf("tick %d missing", i)
		}
	}

	tk.Stop()
	c.Advance(time.Second)
	assert.False(t, fired(tk.C()))
	assert.Equal(t, 0, c.Waiters())
}

func TestTicker_DropsUnreadTicks(t *testing.T) {
	c := NewFakeClock(epoch)
	tk := c.NewTicker(time.Second)
	c.Advance(5 * time.Second)

	assert.True(t, fired(tk.C()))
	assert.False(t, fired(tk.C()), "only one tick is buffered")
}

func TestNow_Advances(t *testing.T) {
	c := NewFakeClock(epoch)
	c.Advance(90 * time.Second)
	assert.Equal(t, epoch.Add(90*time.Second), c.Now())
}

func TestNextDeadline(t *testing.T) {
	c := NewFakeClock(epoch)
	_, ok := c.NextDeadline()
	assert.False(t, ok)

	c.NewTimer(time.Minute)
	c.NewTimer(time.Second)

	next, ok := c.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Second), next)
}
