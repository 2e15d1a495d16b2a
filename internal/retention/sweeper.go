// Package retention implements the TTL sweeper of spec.md §4.9. The
// inbox cap is enforced inline on insert (internal/store) and needs no
// separate worker.
package retention

import (
	"time"

	"github.com/labstack/gommon/log"
)

// EnvelopeSweeper is the narrow store interface the sweeper needs.
type EnvelopeSweeper interface {
	SweepExpired(now time.Time, batchSize int) (int, error)
}

type Sweeper struct {
	store     EnvelopeSweeper
	period    time.Duration
	batchSize int
	stop      chan struct{}
}

func NewSweeper(store EnvelopeSweeper, period time.Duration, batchSize int) *Sweeper {
	return &Sweeper{store: store, period: period, batchSize: batchSize, stop: make(chan struct{})}
}

// Run ticks on the configured cadence; on each tick it sweeps a batch
// at a time until a sweep removes fewer than a full batch.
func (s *Sweeper) Run() {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepUntilDry()
		}
	}
}

func (s *Sweeper) sweepUntilDry() {
	for {
		count, err := s.store.SweepExpired(time.Now().UTC(), s.batchSize)
		if err != nil {
			log.Errorf("retention sweeper: %+v", err)
			return
		}
		if count < s.batchSize {
			return
		}
	}
}

func (s *Sweeper) Stop() {
	close(s.stop)
}
