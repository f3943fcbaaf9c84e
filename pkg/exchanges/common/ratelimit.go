package common

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// OrderPacer enforces a per-(exchange, account) request budget: a
// sliding 60s window caps total admissions while a token bucket smooths
// bursts. WaitIfNeeded blocks until the next request may go out.
type OrderPacer struct {
	mu        sync.Mutex
	window    []time.Time
	perMinute int
	burst     *rate.Limiter
	now       func() time.Time
}

// NewOrderPacer creates a pacer admitting at most perMinute requests in
// any 60 second window, with the given burst allowance.
func NewOrderPacer(perMinute, burst int) *OrderPacer {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	return &OrderPacer{
		perMinute: perMinute,
		burst:     rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
		now:       time.Now,
	}
}

// WaitIfNeeded blocks until a request slot is available or ctx ends.
// The wait is bounded by 60s minus the age of the oldest tracked
// request, after which the window has rolled over.
func (p *OrderPacer) WaitIfNeeded(ctx context.Context) error {
	for {
		p.mu.Lock()
		now := p.now()
		p.prune(now)
		if len(p.window) < p.perMinute {
			p.window = append(p.window, now)
			p.mu.Unlock()
			return p.burst.Wait(ctx)
		}
		wait := time.Minute - now.Sub(p.window[0])
		p.mu.Unlock()
		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (p *OrderPacer) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(p.window) && p.window[i].Before(cutoff) {
		i++
	}
	p.window = p.window[i:]
}

// InWindow returns the number of requests admitted in the last minute.
func (p *OrderPacer) InWindow() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune(p.now())
	return len(p.window)
}

// BatchDelay returns the inter-order delay for a sequential batch on a
// venue allowing ordersPerSecond requests.
func BatchDelay(ordersPerSecond float64) time.Duration {
	if ordersPerSecond <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / ordersPerSecond)
}

// WeightTracker records API weight usage from exchange response
// headers and warns when approaching the venue's ban threshold.
type WeightTracker struct {
	mu            sync.RWMutex
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	venue         string
}

// NewWeightTracker creates a tracker for the given weight limit per
// reset interval (e.g. 1200/min for Binance spot).
func NewWeightTracker(venue string, limit int, resetInterval time.Duration) *WeightTracker {
	return &WeightTracker{
		venue:         venue,
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// UpdateFromHeader ingests the used-weight response header.
func (w *WeightTracker) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if time.Since(w.lastReset) >= w.resetInterval {
		w.usedWeight = 0
		w.lastReset = time.Now()
	}
	w.usedWeight = weight

	pct := float64(w.usedWeight) / float64(w.limit) * 100
	if pct >= 95 {
		log.Printf("%s: rate weight critical %d/%d (%.1f%%)", w.venue, w.usedWeight, w.limit, pct)
	} else if pct >= 80 {
		log.Printf("%s: rate weight warning %d/%d (%.1f%%)", w.venue, w.usedWeight, w.limit, pct)
	}
}

// ShouldDelay reports whether the caller should back off before the
// next request.
func (w *WeightTracker) ShouldDelay() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if time.Since(w.lastReset) >= w.resetInterval {
		return false
	}
	return float64(w.usedWeight)/float64(w.limit) >= 0.9
}
