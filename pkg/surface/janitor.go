package surface

import (
	"sync"
	"time"

	"github.com/cuemby/mapservice/pkg/log"
	"github.com/cuemby/mapservice/pkg/metrics"
	"github.com/cuemby/mapservice/pkg/storage"
	"github.com/rs/zerolog"
)

// Janitor drops attachments whose surface was never reported
type Janitor struct {
	store    storage.Store
	ttl      time.Duration
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewJanitor creates a janitor pruning attachments older than ttl every
// interval
func NewJanitor(store storage.Store, ttl, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		store:    store,
		ttl:      ttl,
		interval: interval,
		logger:   log.WithComponent("attachment-janitor"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the prune loop. A zero ttl keeps attachments forever.
func (j *Janitor) Start() {
	if j.ttl <= 0 {
		j.logger.Info().Msg("attachment pruning disabled")
		return
	}
	go j.run()
}

// Stop stops the janitor
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

func (j *Janitor) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := j.Prune(time.Now()); err != nil {
				j.logger.Warn().Err(err).Msg("prune failed")
			}
		case <-j.stopCh:
			return
		}
	}
}

// Prune removes the attachments created before now minus the ttl
func (j *Janitor) Prune(now time.Time) (int, error) {
	timer := metrics.NewTimer()
	n, err := j.store.PruneAttachments(now.Add(-j.ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Info().Int("pruned", n).Dur("took", timer.Duration()).Msg("stale attachments pruned")
	}
	if count, err := j.store.CountAttachments(); err == nil {
		metrics.AttachmentsInFlight.Set(float64(count))
	}
	return n, nil
}
