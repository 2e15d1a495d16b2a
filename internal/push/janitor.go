package push

import (
	"time"

	"github.com/labstack/gommon/log"

	"github.com/propolis-net/relay/internal/model"
)

// TokenStore is the narrow slice of the device-token store
// (store.DeviceTokenStore) the Token Janitor needs.
type TokenStore interface {
	DeleteExternalDeviceTokens(userIDs []model.UserID) (int, error)
}

// Janitor buffers invalid-token notifications from push workers and
// flushes deletions in batches bounded by size or interval, per
// spec.md §4.7.
type Janitor struct {
	store         TokenStore
	invalid       chan model.UserID
	batchSize     int
	flushInterval time.Duration
	stop          chan struct{}
}

func NewJanitor(store TokenStore, batchSize int, flushInterval time.Duration) *Janitor {
	return &Janitor{
		store:         store,
		invalid:       make(chan model.UserID, batchSize*4),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
	}
}

// MarkInvalid queues userID's token for deletion. Non-blocking; a full
// buffer drops the mark (the next push attempt will surface the same
// Unregistered outcome and re-queue it).
func (j *Janitor) MarkInvalid(userID model.UserID) {
	select {
	case j.invalid <- userID:
	default:
		log.Warnf("push janitor: buffer full, dropping invalidation for %s", userID)
	}
}

// Run drains the buffer, flushing on batchSize or flushInterval.
func (j *Janitor) Run() {
	batch := make([]model.UserID, 0, j.batchSize)
	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if _, err := j.store.DeleteExternalDeviceTokens(batch); err != nil {
			log.Errorf("push janitor: flushing %d tokens: %+v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-j.stop:
			flush()
			return
		case userID := <-j.invalid:
			batch = append(batch, userID)
			if len(batch) >= j.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (j *Janitor) Stop() {
	close(j.stop)
}
