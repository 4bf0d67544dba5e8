package sntp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClockZeroValueTracksSystemTime(t *testing.T) {
	clock := NewClock("")
	now := time.Now()
	assert.WithinDuration(t, now, clock.Now(), time.Second)
	assert.InDelta(t, uint32(now.Unix()), clock.SecondsSinceEpoch(), 2)
	assert.Equal(t, clock.SecondsSinceEpoch()/3600, clock.HoursSinceEpoch())
}

func TestClockUnitConsistency(t *testing.T) {
	clock := NewClock("")
	secs := clock.SecondsSinceEpoch()
	millis := clock.MillisecondsSinceEpoch()
	assert.InDelta(t, uint64(secs)*1000, millis, 2000)
}

func TestClockOffsetApplied(t *testing.T) {
	clock := NewClock("")
	clock.mu.Lock()
	clock.offset = 30 * time.Second
	clock.mu.Unlock()
	assert.InDelta(t, uint32(time.Now().Unix())+30, clock.SecondsSinceEpoch(), 2)
}
