package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockTimerFiresOnAdvance(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	tm := c.NewTimer(2 * time.Second)
	assert.Equal(t, 1, c.Pending())

	c.Advance(time.Second)
	select {
	case <-tm.C():
		t.Fatal("timer fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-tm.C():
		assert.Equal(t, time.Unix(2, 0), got)
	default:
		t.Fatal("timer did not fire at deadline")
	}
	assert.Equal(t, 0, c.Pending())
}

func TestMockTimerResetIsRelativeToNow(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	tm := c.NewTimer(time.Second)
	c.Advance(500 * time.Millisecond)

	assert.True(t, tm.Reset(time.Second))
	c.Advance(600 * time.Millisecond)
	select {
	case <-tm.C():
		t.Fatal("reset timer fired against the old deadline")
	default:
	}

	c.Advance(400 * time.Millisecond)
	select {
	case <-tm.C():
	default:
		t.Fatal("reset timer did not fire")
	}
}

func TestMockTimerStop(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	tm := c.NewTimer(time.Second)
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())

	c.Advance(time.Hour)
	select {
	case <-tm.C():
		t.Fatal("stopped timer fired")
	default:
	}
}
