package health

import (
	"context"
	"time"
)

// Result is the outcome of one probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes a single peer.
type Checker interface {
	Check(ctx context.Context) Result
}

// Config controls how often peers are probed and how many failures
// are tolerated before a peer is marked down.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Second,
		Timeout:  2 * time.Second,
		Retries:  3,
	}
}

// Status tracks the reachability of one peer.
type Status struct {
	API                  string    `json:"api"`
	Address              string    `json:"address"`
	Healthy              bool      `json:"healthy"`
	Message              string    `json:"message,omitempty"`
	LastCheck            time.Time `json:"last_check"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
}

// Update folds a probe result into the status. It reports whether the
// healthy flag flipped.
func (s *Status) Update(result Result, config Config) bool {
	was := s.Healthy
	s.LastCheck = result.CheckedAt
	s.Message = result.Message

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		if s.ConsecutiveFailures >= config.Retries {
			s.Healthy = false
		}
	}
	return was != s.Healthy
}
