// Package ratelimit throttles outbound calls per external channel.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Well-known channels.
const (
	ChannelResearch   = "research"
	ChannelDataSource = "datasource"
	ChannelDeployment = "deployment"
)

// Limiter grants at most one call per channel per minimum interval.
// It is safe for concurrent use; callers block in Acquire.
type Limiter struct {
	mu              sync.Mutex
	channels        map[string]*rate.Limiter
	intervals       map[string]time.Duration
	defaultInterval time.Duration
}

// New creates a limiter. Channels absent from intervals use defaultInterval.
// A zero interval disables throttling for that channel.
func New(defaultInterval time.Duration, intervals map[string]time.Duration) *Limiter {
	copied := make(map[string]time.Duration, len(intervals))
	for k, v := range intervals {
		copied[k] = v
	}
	return &Limiter{
		channels:        make(map[string]*rate.Limiter),
		intervals:       copied,
		defaultInterval: defaultInterval,
	}
}

// Acquire blocks until channel may issue another call or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, channel string) error {
	if err := l.limiter(channel).Wait(ctx); err != nil {
		return fmt.Errorf("acquiring %s rate limit: %w", channel, err)
	}
	return nil
}

// Interval returns the minimum interval configured for channel.
func (l *Limiter) Interval(channel string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.intervalLocked(channel)
}

func (l *Limiter) intervalLocked(channel string) time.Duration {
	if d, ok := l.intervals[channel]; ok {
		return d
	}
	return l.defaultInterval
}

func (l *Limiter) limiter(channel string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.channels[channel]; ok {
		return lim
	}
	every := rate.Inf
	if d := l.intervalLocked(channel); d > 0 {
		every = rate.Every(d)
	}
	lim := rate.NewLimiter(every, 1)
	l.channels[channel] = lim
	return lim
}
