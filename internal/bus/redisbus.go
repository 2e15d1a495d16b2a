// Package bus implements the Cross-Node Bus of spec.md §4.4: it
// publishes "wake" events keyed by recipient user-id to an external
// broker and republishes every received wake into the local Notifier,
// so a session on node B wakes when a write happened on node A.
//
// go-redis/redis is the broker client, following the rest of the
// retrieval pack's choice of Redis for pub/sub and job-queue roles;
// this repo's go.mod pins the v6 API the way it shows up as an
// indirect dependency of the teacher's wider ecosystem.
package bus

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-redis/redis"

	"github.com/propolis-net/relay/internal/model"
	"github.com/propolis-net/relay/internal/notify"
)

// Bus publishes and subscribes "wake" events over Redis pub/sub.
// Publish and subscribe run on independent connections, so cross-node
// coordination never blocks the submit path. Only the subscribe side
// (Run) reconnects with exponential backoff; a publish is a single
// PUBLISH attempt with no retry and no backoff.
type Bus struct {
	prefix     string
	minBackoff time.Duration
	maxBackoff time.Duration

	publishClient *redis.Client

	notifier *notify.Notifier

	mu       sync.Mutex
	channels map[model.UserID]int // refcount of local subscribers per user-id
	pubsub   *redis.PubSub
	client   *redis.Client

	stop chan struct{}
}

func New(addr, prefix string, minBackoff, maxBackoff time.Duration, notifier *notify.Notifier) *Bus {
	options := &redis.Options{Addr: addr}
	return &Bus{
		prefix:        prefix,
		minBackoff:    minBackoff,
		maxBackoff:    maxBackoff,
		publishClient: redis.NewClient(options),
		client:        redis.NewClient(options),
		notifier:      notifier,
		channels:      make(map[model.UserID]int),
		stop:          make(chan struct{}),
	}
}

func (b *Bus) channelName(userID model.UserID) string {
	return b.prefix + string(userID)
}

// PublishWake publishes a wake event for userID. Best-effort: a
// failure here does not fail the caller's submit path (spec.md §9);
// the push fallback is the belt-and-braces backup for a missed wake.
func (b *Bus) PublishWake(userID model.UserID) {
	if err := b.publishClient.Publish(b.channelName(userID), "").Err(); err != nil {
		// swallowed by design: submit-to-notify must not block on bus health
		_ = err
	}
}

// Track registers that userID now has a local subscriber so the
// subscribe loop resubscribes to its channel across reconnects, and
// subscribes immediately if the bus is already connected.
func (b *Bus) Track(userID model.UserID) {
	b.mu.Lock()
	b.channels[userID]++
	pubsub := b.pubsub
	b.mu.Unlock()

	if pubsub != nil {
		_ = pubsub.Subscribe(b.channelName(userID))
	}
}

// Untrack drops a local subscriber's interest in userID's channel.
func (b *Bus) Untrack(userID model.UserID) {
	b.mu.Lock()
	b.channels[userID]--
	remaining := b.channels[userID]
	if remaining <= 0 {
		delete(b.channels, userID)
	}
	pubsub := b.pubsub
	b.mu.Unlock()

	if remaining <= 0 && pubsub != nil {
		_ = pubsub.Unsubscribe(b.channelName(userID))
	}
}

// Run drives the subscribe side: connect, subscribe to every tracked
// channel, translate incoming messages into local Notifier publishes,
// and reconnect with exponential backoff bounded by [minBackoff,
// maxBackoff] on any failure. Blocks until Stop is called.
func (b *Bus) Run() {
	backoff := b.minBackoff
	for {
		select {
		case <-b.stop:
			return
		default:
		}

		if err := b.runOnce(); err != nil {
			select {
			case <-b.stop:
				return
			case <-time.After(jitter(backoff)):
			}
			backoff *= 2
			if backoff > b.maxBackoff {
				backoff = b.maxBackoff
			}
			continue
		}
		backoff = b.minBackoff
	}
}

func (b *Bus) runOnce() error {
	b.mu.Lock()
	channelNames := make([]string, 0, len(b.channels))
	for userID := range b.channels {
		channelNames = append(channelNames, b.channelName(userID))
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(channelNames...)
	if _, err := pubsub.Receive(); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribing: %w", err)
	}

	b.mu.Lock()
	b.pubsub = pubsub
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.pubsub = nil
		b.mu.Unlock()
		pubsub.Close()
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-b.stop:
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			userID := model.UserID(msg.Channel[len(b.prefix):])
			b.notifier.Publish(userID, model.UserEvent{Kind: model.EventMessageReceived})
		}
	}
}

// Stop terminates the subscribe loop and closes both connections.
func (b *Bus) Stop() {
	close(b.stop)
	b.publishClient.Close()
	b.client.Close()
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}
