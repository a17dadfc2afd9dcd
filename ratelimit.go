package shard

import (
	"context"
	"sync"
	"time"
)

// Gateway Rate Limits
// https://discord.com/developers/docs/topics/gateway#rate-limiting
const (
	// FlagGatewaySendRateLimit represents the documented amount of commands
	// a client can send to the Discord Gateway per minute.
	FlagGatewaySendRateLimit = 120

	// FlagGatewaySendRateLimitTolerance represents the amount of commands this
	// client sends to the Discord Gateway per minute, which provides headroom
	// below the documented rate limit.
	FlagGatewaySendRateLimitTolerance = 119

	// FlagGatewaySendRateLimitReserved represents the amount of permits (of the
	// tolerance) reserved for Heartbeat commands, such that a saturated send
	// queue can never delay a Heartbeat into a zombie detection.
	FlagGatewaySendRateLimitReserved = 3

	// gatewaySendRateLimitWindow represents the duration of the fixed window
	// the send rate limit applies to.
	gatewaySendRateLimitWindow = 60 * time.Second
)

// SendLimiter represents the rate limiter for commands sent to the Discord Gateway.
//
// A permit must be acquired before a command is written to the connection.
// Each permit is returned to the limiter one window after its command was
// written, such that the amount of commands written within any window never
// exceeds the configured tolerance.
type SendLimiter struct {
	// permits represents the permits available to queued commands.
	permits chan struct{}

	// reserved represents the permits reserved for Heartbeat commands.
	reserved chan struct{}

	// window represents the duration a permit remains held after use.
	window time.Duration
}

// NewSendLimiter creates a SendLimiter with the given tolerance (per window),
// of which reserved permits are only available to priority acquisitions.
func NewSendLimiter(tolerance, reserved int, window time.Duration) *SendLimiter {
	l := &SendLimiter{
		permits:  make(chan struct{}, tolerance-reserved),
		reserved: make(chan struct{}, reserved),
		window:   window,
	}

	for i := 0; i < cap(l.permits); i++ {
		l.permits <- struct{}{}
	}

	for i := 0; i < cap(l.reserved); i++ {
		l.reserved <- struct{}{}
	}

	return l
}

// Acquire acquires a permit for a queued command, blocking until a permit
// is available or ctx is done.
//
// The returned release function starts the permit's cooldown: call it once
// the command has been written.
func (l *SendLimiter) Acquire(ctx context.Context) (func(), error) {
	select {
	case <-l.permits:
		return l.releaser(l.permits), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AcquirePriority acquires a permit for a Heartbeat command, preferring the
// reserved permits and falling back to the queued command permits.
func (l *SendLimiter) AcquirePriority(ctx context.Context) (func(), error) {
	select {
	case <-l.reserved:
		return l.releaser(l.reserved), nil
	default:
	}

	select {
	case <-l.reserved:
		return l.releaser(l.reserved), nil
	case <-l.permits:
		return l.releaser(l.permits), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// releaser returns a function that returns a permit to the given lane
// one window after it's called.
func (l *SendLimiter) releaser(lane chan struct{}) func() {
	var once sync.Once

	return func() {
		once.Do(func() {
			time.AfterFunc(l.window, func() {
				lane <- struct{}{}
			})
		})
	}
}
