// Package backoff implements the per-request retry-delay policy. Each
// error category carries its own exponential delay curve; one Backoffer
// spans all attempts of one logical request and enforces a shared
// total-sleep budget.
package backoff

import (
	"context"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"google.golang.org/grpc/codes"

	"github.com/qidi1/client-go/metrics"
	"github.com/qidi1/client-go/util/log"
	"github.com/qidi1/client-go/util/status"
)

// Category selects the delay curve for one class of retryable failure.
type Category int

const (
	// Waiting out a leader change after a NotLeader error.
	UpdateLeader Category = iota
	// Waiting for fresh routing info after a shard miss or stale epoch.
	ShardMiss
	// Waiting out write pressure after a ServerBusy error.
	ServerBusy
	// Waiting between attempts after a transport-level RPC failure.
	RPC
)

func (c Category) String() string {
	switch c {
	case UpdateLeader:
		return "update-leader"
	case ShardMiss:
		return "shard-miss"
	case ServerBusy:
		return "server-busy"
	case RPC:
		return "rpc"
	default:
		return "unknown"
	}
}

// A Curve is one category's delay schedule: the n-th backoff for a
// category sleeps Base * Multiplier^n, capped at Max.
type Curve struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

func defaultCurves() map[Category]Curve {
	return map[Category]Curve{
		UpdateLeader: {Base: 1 * time.Millisecond, Max: 10 * time.Millisecond, Multiplier: 1.5},
		ShardMiss:    {Base: 2 * time.Millisecond, Max: 500 * time.Millisecond, Multiplier: 2},
		ServerBusy:   {Base: 2 * time.Second, Max: 10 * time.Second, Multiplier: 2},
		RPC:          {Base: 100 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2},
	}
}

type Options struct {
	// Total sleep budget across all categories. Once an attempted sleep
	// would exceed it, the request is out of retries.
	MaxTotalSleep time.Duration

	// Per-category curve overrides. Categories not present use the
	// defaults.
	Curves map[Category]Curve

	// Optional clock implementation to use.
	Clock clockwork.Clock
}

// A Backoffer tracks the attempts of one logical request. It is not
// safe for concurrent use; each in-flight request owns one.
type Backoffer struct {
	ctx    context.Context
	clock  clockwork.Clock
	curves map[Category]Curve

	budget   time.Duration
	slept    time.Duration
	attempts map[Category]int
	causes   []error
}

const DefaultMaxTotalSleep = 20 * time.Second

func New(ctx context.Context, opts *Options) *Backoffer {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	curves := defaultCurves()
	for c, curve := range opts.Curves {
		curves[c] = curve
	}
	return &Backoffer{
		ctx:      ctx,
		clock:    clock,
		curves:   curves,
		budget:   opts.MaxTotalSleep,
		attempts: make(map[Category]int),
	}
}

// DefaultWithContext returns a Backoffer with the default sleep budget.
func DefaultWithContext(ctx context.Context) *Backoffer {
	return New(ctx, &Options{MaxTotalSleep: DefaultMaxTotalSleep})
}

func (b *Backoffer) delay(c Category) time.Duration {
	curve := b.curves[c]
	d := float64(curve.Base) * math.Pow(curve.Multiplier, float64(b.attempts[c]))
	if maxDelay := float64(curve.Max); d > maxDelay {
		d = maxDelay
	}
	return time.Duration(d)
}

// Backoff records the failed attempt and blocks for the category's next
// delay. It returns a non-nil error if the sleep budget is exhausted or
// the context ended; the returned error wraps every cause recorded so
// far so diagnostics survive escalation.
func (b *Backoffer) Backoff(c Category, cause error) error {
	delay := b.delay(c)
	if b.budget > 0 && b.slept+delay > b.budget {
		log.Warningf("backoff budget exhausted after %s, category %s: %s", b.slept, c, cause)
		return status.WithCause(codes.DeadlineExceeded,
			"backoff budget exhausted", cause)
	}
	metrics.BackoffCount.WithLabelValues(c.String()).Inc()
	b.attempts[c]++
	b.causes = append(b.causes, cause)
	log.Debugf("backing off %s for %s: %s", delay, c, cause)
	select {
	case <-b.clock.After(delay):
		b.slept += delay
		return nil
	case <-b.ctx.Done():
		return status.WithCause(codes.Canceled, "backoff interrupted", b.ctx.Err())
	}
}

// CanRetryAfterSleep blocks for the category's next delay and reports
// whether another attempt is permitted. It never returns an error: an
// exhausted budget or ended context simply yields false.
func (b *Backoffer) CanRetryAfterSleep(c Category) bool {
	return b.Backoff(c, status.UnavailableErrorf("retryable %s failure", c)) == nil
}

// Attempts returns how many backoffs have been applied for the category.
func (b *Backoffer) Attempts(c Category) int {
	return b.attempts[c]
}

// TotalSlept returns the cumulative time spent sleeping.
func (b *Backoffer) TotalSlept() time.Duration {
	return b.slept
}
