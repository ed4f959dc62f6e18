package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeadlines_NoneBeforeLimits(t *testing.T) {
	start := time.Now()
	d := NewDeadlines(start, 10*time.Second, 5*time.Second)

	assert.Equal(t, ExpiryNone, d.Check(start))
	assert.Equal(t, ExpiryNone, d.Check(start.Add(5*time.Second)))
}

func TestDeadlines_IdleFires(t *testing.T) {
	start := time.Now()
	d := NewDeadlines(start, 10*time.Second, 5*time.Second)

	assert.Equal(t, ExpiryIdle, d.Check(start.Add(5*time.Second+time.Millisecond)))
}

func TestDeadlines_TouchRenewsIdle(t *testing.T) {
	start := time.Now()
	d := NewDeadlines(start, time.Minute, 5*time.Second)

	d.Touch(start.Add(4 * time.Second))
	assert.Equal(t, ExpiryNone, d.Check(start.Add(8*time.Second)))
	assert.Equal(t, ExpiryIdle, d.Check(start.Add(9*time.Second+time.Millisecond)))
}

func TestDeadlines_HardIsNotRenewed(t *testing.T) {
	start := time.Now()
	d := NewDeadlines(start, 3*time.Second, time.Second)
	hard := d.Hard

	for i := 1; i <= 10; i++ {
		d.Touch(start.Add(time.Duration(i) * 500 * time.Millisecond))
	}

	assert.Equal(t, hard, d.Hard)
	assert.Equal(t, ExpiryHard, d.Check(start.Add(3*time.Second+time.Millisecond)))
}

func TestDeadlines_HardWinsTie(t *testing.T) {
	start := time.Now()
	d := NewDeadlines(start, 5*time.Second, 5*time.Second)

	assert.Equal(t, ExpiryHard, d.Check(start.Add(6*time.Second)))
}

func TestDeadlines_HardBeforeIdle(t *testing.T) {
	start := time.Now()
	d := NewDeadlines(start, 2*time.Second, 5*time.Second)

	assert.Equal(t, ExpiryHard, d.Check(start.Add(2*time.Second+time.Millisecond)))
}

func TestDeadlines_Disabled(t *testing.T) {
	start := time.Now()
	d := NewDeadlines(start, 0, 0)

	assert.True(t, d.Hard.IsZero())
	assert.True(t, d.Idle.IsZero())
	assert.Equal(t, ExpiryNone, d.Check(start.Add(24*time.Hour)))
}

func TestExpiry_String(t *testing.T) {
	assert.Equal(t, "none", ExpiryNone.String())
	assert.Equal(t, "hard", ExpiryHard.String())
	assert.Equal(t, "idle", ExpiryIdle.String())
}
