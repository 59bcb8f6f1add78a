package store

import (
	"context"
	"time"

	"go.opencensus.io/trace"
)

// Sweeper periodically purges expired records.
type Sweeper struct {
	p        Purger
	interval time.Duration
	logf     func(message string, args ...interface{})
}

// NewSweeper constructs a *Sweeper purging p every interval.
func NewSweeper(p Purger, interval time.Duration, logf func(message string, args ...interface{})) *Sweeper {
	return &Sweeper{
		p:        p,
		interval: interval,
		logf:     logf,
	}
}

// Run sweeps until ctx is done. It returns immediately when the interval
// isn't positive.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep purges expired records once and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	ctx, span := trace.StartSpan(ctx, "store.Sweep")
	defer span.End()

	n, err := s.p.Purge(ctx)
	if err != nil {
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: err.Error()})
		s.logf("purging expired records: %v", err)
		return n
	}
	if n > 0 {
		s.logf("purged %d expired records", n)
	}
	return n
}
