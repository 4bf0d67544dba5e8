// Package sntp keeps a router-wide clock whose offset is corrected against
// NTP. Wire timestamps (I2NP expirations, tag creation times, build request
// times) must agree across routers, so the local clock alone is not trusted.
package sntp

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

const (
	defaultSyncInterval = 8 * time.Hour
	defaultQueryTimeout = 10 * time.Second
	// offsets above this are considered bogus and discarded
	maxClockOffset = 10 * time.Minute
)

// Clock is the time source handed to the messaging core. The zero value is
// usable and reports the uncorrected system clock.
type Clock struct {
	mu     sync.RWMutex
	offset time.Duration
	server string
}

// NewClock creates a clock that corrects itself against the given NTP
// server once Run is started.
func NewClock(server string) *Clock {
	return &Clock{server: server}
}

// Now returns the skew-corrected wall time.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset)
}

// SecondsSinceEpoch returns the corrected time in whole seconds.
func (c *Clock) SecondsSinceEpoch() uint32 {
	return uint32(c.Now().Unix())
}

// MillisecondsSinceEpoch returns the corrected time in milliseconds.
func (c *Clock) MillisecondsSinceEpoch() uint64 {
	return uint64(c.Now().UnixMilli())
}

// HoursSinceEpoch returns the corrected time in whole hours, as carried in
// tunnel build request records.
func (c *Clock) HoursSinceEpoch() uint32 {
	return uint32(c.Now().Unix() / 3600)
}

// Sync queries the NTP server once and updates the stored offset.
func (c *Clock) Sync() error {
	resp, err := ntp.QueryWithOptions(c.server, ntp.QueryOptions{
		Timeout: defaultQueryTimeout,
	})
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"at":     "sntp.Clock.Sync",
			"server": c.server,
		}).Warn("NTP query failed")
		return err
	}
	if err := resp.Validate(); err != nil {
		log.WithError(err).Warn("NTP response failed validation")
		return err
	}
	offset := resp.ClockOffset
	if offset > maxClockOffset || offset < -maxClockOffset {
		log.WithFields(logger.Fields{
			"at":     "sntp.Clock.Sync",
			"offset": offset,
		}).Warn("NTP offset out of range, ignored")
		return nil
	}
	c.mu.Lock()
	c.offset = offset
	c.mu.Unlock()
	log.WithFields(logger.Fields{
		"at":     "sntp.Clock.Sync",
		"server": c.server,
		"offset": offset,
	}).Debug("clock_synchronized")
	return nil
}

// Run re-syncs the clock periodically until ctx is cancelled.
func (c *Clock) Run(ctx context.Context) {
	if c.server == "" {
		return
	}
	go func() {
		_ = c.Sync()
		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = c.Sync()
			case <-ctx.Done():
				return
			}
		}
	}()
}
