package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/mapservice/pkg/log"
	"github.com/cuemby/mapservice/pkg/metrics"
	"github.com/rs/zerolog"
)

type peer struct {
	checker Checker
	status  Status
}

// Monitor probes the peers a process calls and exports their
// reachability. Peers start healthy until the retry threshold is hit.
type Monitor struct {
	config Config
	logger zerolog.Logger

	mu    sync.RWMutex
	peers map[string]*peer

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor. Zero fields in config fall back to
// DefaultConfig.
func NewMonitor(config Config) *Monitor {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Retries <= 0 {
		config.Retries = def.Retries
	}
	return &Monitor{
		config: config,
		logger: log.WithComponent("health"),
		peers:  make(map[string]*peer),
		stopCh: make(chan struct{}),
	}
}

// Watch adds a peer API reachable at address, probed over TCP.
func (m *Monitor) Watch(api, address string) {
	m.WatchWith(api, address, NewTCPChecker(address))
}

// WatchWith adds a peer probed by a custom checker.
func (m *Monitor) WatchWith(api, address string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[api] = &peer{
		checker: checker,
		status:  Status{API: api, Address: address, Healthy: true},
	}
	metrics.PeerUp.WithLabelValues(api).Set(1)
}

// Start begins probing in the background.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		m.CheckAll(context.Background())
		for {
			select {
			case <-ticker.C:
				m.CheckAll(context.Background())
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// CheckAll probes every peer once.
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.RLock()
	apis := make([]string, 0, len(m.peers))
	for api := range m.peers {
		apis = append(apis, api)
	}
	m.mu.RUnlock()

	for _, api := range apis {
		m.check(ctx, api)
	}
}

func (m *Monitor) check(ctx context.Context, api string) {
	m.mu.RLock()
	p, ok := m.peers[api]
	m.mu.RUnlock()
	if !ok {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	result := p.checker.Check(checkCtx)
	cancel()

	m.mu.Lock()
	changed := p.status.Update(result, m.config)
	status := p.status
	m.mu.Unlock()

	up := 0.0
	if status.Healthy {
		up = 1
	}
	metrics.PeerUp.WithLabelValues(api).Set(up)

	if !changed {
		return
	}
	if status.Healthy {
		m.logger.Info().Str("api", api).Str("address", status.Address).Msg("Peer reachable again")
	} else {
		m.logger.Warn().
			Str("api", api).
			Str("address", status.Address).
			Int("failures", status.ConsecutiveFailures).
			Str("reason", status.Message).
			Msg("Peer unreachable")
	}
}

// Statuses returns a snapshot of every peer, sorted by API name.
func (m *Monitor) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].API < out[j].API })
	return out
}
