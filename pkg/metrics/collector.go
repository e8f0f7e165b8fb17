package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CountFunc reports the current size of a tracked collection
type CountFunc func() (int, error)

type tracked struct {
	gauge prometheus.Gauge
	count CountFunc
}

// Collector periodically refreshes gauges from their owning components
type Collector struct {
	interval time.Duration
	mu       sync.Mutex
	tracked  []tracked
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a new metrics collector
func NewCollector(interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Track registers a gauge refreshed from fn on every collection
func (c *Collector) Track(gauge prometheus.Gauge, fn CountFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked = append(c.tracked, tracked{gauge: gauge, count: fn})
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect refreshes every tracked gauge once. Failing sources keep their
// previous value.
func (c *Collector) Collect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.tracked {
		n, err := t.count()
		if err != nil {
			continue
		}
		t.gauge.Set(float64(n))
	}
}
