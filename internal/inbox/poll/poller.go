// Package poll runs the fixed-interval REST fallback while the push channel is down.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vovakirdan/wirechat-inbox/internal/metrics"
)

const (
	DefaultInterval  = 15 * time.Second
	DefaultThreshold = 3
)

// Round performs one polling pass.
type Round func(ctx context.Context) error

// Poller ticks Round while started. After Threshold consecutive failures it
// reports offline once; the next success, or Stop, reports back online.
type Poller struct {
	clock     clock.Clock
	interval  time.Duration
	threshold int
	round     Round
	onOffline func(offline bool)

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	failures int
	offline  bool
}

// New builds a stopped poller. onOffline may be nil.
func New(clk clock.Clock, interval time.Duration, threshold int, round Round, onOffline func(bool)) *Poller {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if onOffline == nil {
		onOffline = func(bool) {}
	}
	return &Poller{
		clock:     clk,
		interval:  interval,
		threshold: threshold,
		round:     round,
		onOffline: onOffline,
	}
}

// Running reports whether the poller is started.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Start begins polling. Starting a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	ticker := p.clock.Ticker(p.interval)
	go p.loop(ctx, ticker, p.done)
}

// Stop halts polling and waits for an in-progress round to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	wasOffline := p.offline
	p.failures, p.offline = 0, false
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	if wasOffline {
		p.onOffline(false)
	}
}

func (p *Poller) loop(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := p.round(ctx)
		if ctx.Err() != nil {
			return
		}
		p.record(err)
	}
}

func (p *Poller) record(err error) {
	p.mu.Lock()
	if err == nil {
		metrics.Polls.WithLabelValues("ok").Inc()
		p.failures = 0
		back := p.offline
		p.offline = false
		p.mu.Unlock()
		if back {
			p.onOffline(false)
		}
		return
	}

	metrics.Polls.WithLabelValues("error").Inc()
	p.failures++
	notify := p.failures >= p.threshold && !p.offline
	if notify {
		p.offline = true
	}
	p.mu.Unlock()
	if notify {
		p.onOffline(true)
	}
}
