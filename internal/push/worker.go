package push

import (
	"context"
	"errors"
	"time"

	"github.com/labstack/gommon/log"
	"golang.org/x/time/rate"

	"github.com/propolis-net/relay/internal/model"
)

// DeviceTokenReader is the narrow read side of the device-token store
// the worker needs.
type DeviceTokenReader interface {
	Get(userID model.UserID) (*model.ExternalDeviceToken, error)
}

// Worker repeatedly polls the queue, leases eligible jobs up to
// concurrency at a time, looks up the recipient's external device
// token, and dispatches through Provider, per spec.md §4.7.
type Worker struct {
	queue             *Queue
	tokens            DeviceTokenReader
	provider          Provider
	janitor           *Janitor
	concurrency       int
	pollInterval      time.Duration
	visibilityTimeout time.Duration
	maxAttempts       int
	limiter           *rate.Limiter
	stop              chan struct{}
}

func NewWorker(queue *Queue, tokens DeviceTokenReader, provider Provider, janitor *Janitor,
	concurrency int, pollInterval, visibilityTimeout time.Duration, maxAttempts int, rateLimitPerSec float64) *Worker {
	return &Worker{
		queue:             queue,
		tokens:            tokens,
		provider:          provider,
		janitor:           janitor,
		concurrency:       concurrency,
		pollInterval:      pollInterval,
		visibilityTimeout: visibilityTimeout,
		maxAttempts:       maxAttempts,
		limiter:           rate.NewLimiter(rate.Limit(rateLimitPerSec), concurrency),
		stop:              make(chan struct{}),
	}
}

func (w *Worker) Run() {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.pollAndDispatch()
		}
	}
}

func (w *Worker) Stop() {
	close(w.stop)
}

func (w *Worker) pollAndDispatch() {
	now := time.Now().UTC()
	candidates, err := w.queue.Poll(now, w.concurrency)
	if err != nil {
		log.Errorf("push worker: polling: %+v", err)
		return
	}

	for _, recipientID := range candidates {
		leaseUntil := now.Add(w.visibilityTimeout)
		acquired, err := w.queue.Lease(recipientID, now, leaseUntil)
		if err != nil {
			log.Errorf("push worker: leasing %s: %+v", recipientID, err)
			continue
		}
		if !acquired {
			continue
		}
		go w.handle(recipientID)
	}
}

func (w *Worker) handle(recipientID model.UserID) {
	if err := w.limiter.Wait(context.Background()); err != nil {
		return
	}

	attempts, err := w.queue.IncrementAttempts(recipientID)
	if err != nil {
		log.Errorf("push worker: counting attempts for %s: %+v", recipientID, err)
		return
	}

	token, err := w.tokens.Get(recipientID)
	if err != nil {
		if errors.Is(err, model.ErrorDeviceTokenNotFound) {
			// no channel to wake through: discard the job quietly
			if completeErr := w.queue.Complete(recipientID); completeErr != nil {
				log.Errorf("push worker: discarding %s: %+v", recipientID, completeErr)
			}
			return
		}
		log.Errorf("push worker: loading token for %s: %+v", recipientID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.visibilityTimeout)
	outcome, dispatchErr := w.provider.Dispatch(ctx, token.Token)
	cancel()

	switch {
	case dispatchErr == nil && outcome == model.PushSuccess:
		if err := w.queue.Complete(recipientID); err != nil {
			log.Errorf("push worker: completing %s: %+v", recipientID, err)
		}
	case outcome == model.PushUnregistered:
		w.janitor.MarkInvalid(recipientID)
		if err := w.queue.Complete(recipientID); err != nil {
			log.Errorf("push worker: completing unregistered %s: %+v", recipientID, err)
		}
	case outcome == model.PushRateLimited:
		if err := w.queue.Backoff(recipientID, backoffFor(attempts)); err != nil {
			log.Errorf("push worker: backing off %s: %+v", recipientID, err)
		}
	default:
		if attempts >= w.maxAttempts {
			log.Warnf("push worker: %s exceeded max attempts, dropping job", recipientID)
			if err := w.queue.Complete(recipientID); err != nil {
				log.Errorf("push worker: dropping %s: %+v", recipientID, err)
			}
			return
		}
		if err := w.queue.Backoff(recipientID, backoffFor(attempts)); err != nil {
			log.Errorf("push worker: backing off %s: %+v", recipientID, err)
		}
	}
}

func backoffFor(attempts int) time.Duration {
	d := time.Duration(attempts) * 2 * time.Second
	if d > 2*time.Minute {
		return 2 * time.Minute
	}
	return d
}
