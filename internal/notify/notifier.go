// Package notify implements the Local Notifier of spec.md §4.3: an
// in-process mapping from user-id to a set of subscriber channels,
// sharded the way spec.md §5 requires ("fine-grained locks sharded by
// user-id; iterating the whole map happens only during shutdown and
// garbage collection").
package notify

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/propolis-net/relay/internal/model"
)

// Handle identifies a single subscription for Unsubscribe.
type Handle struct {
	shard int
	id    uint64
}

type subscriber struct {
	id uint64
	ch chan model.UserEvent
}

type shard struct {
	mu   sync.Mutex
	subs map[model.UserID][]subscriber
}

// Notifier is the process-wide concurrent map described above. Create
// one per node; the Cross-Node Bus republishes remote wakes into it.
type Notifier struct {
	shards     []*shard
	bufferSize int
	nextID     uint64
	nextIDMu   sync.Mutex

	droppedMu sync.Mutex
	dropped   uint64
}

func New(shardCount, bufferSize int) *Notifier {
	if shardCount <= 0 {
		shardCount = 1
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{subs: make(map[model.UserID][]subscriber)}
	}
	return &Notifier{shards: shards, bufferSize: bufferSize}
}

func (n *Notifier) shardFor(userID model.UserID) *shard {
	h := xxhash.Sum64String(string(userID))
	return n.shards[h%uint64(len(n.shards))]
}

// Subscribe registers a new subscriber for userID and returns a
// receive-only channel plus a Handle for Unsubscribe. Registration is
// atomic with respect to Publish: a Publish that starts after this
// call returns is guaranteed to see the new subscriber.
func (n *Notifier) Subscribe(userID model.UserID) (<-chan model.UserEvent, Handle) {
	s := n.shardFor(userID)

	n.nextIDMu.Lock()
	n.nextID++
	id := n.nextID
	n.nextIDMu.Unlock()

	ch := make(chan model.UserEvent, n.bufferSize)

	s.mu.Lock()
	s.subs[userID] = append(s.subs[userID], subscriber{id: id, ch: ch})
	s.mu.Unlock()

	return ch, Handle{shard: n.indexOf(s), id: id}
}

func (n *Notifier) indexOf(target *shard) int {
	for i, s := range n.shards {
		if s == target {
			return i
		}
	}
	return 0
}

// Unsubscribe removes a subscriber registered for userID under handle.
func (n *Notifier) Unsubscribe(userID model.UserID, handle Handle) {
	s := n.shards[handle.shard]
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subs[userID]
	for i, sub := range subs {
		if sub.id == handle.id {
			close(sub.ch)
			s.subs[userID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.subs[userID]) == 0 {
		delete(s.subs, userID)
	}
}

// Publish delivers event to every current subscriber of userID and
// returns how many accepted it. A subscriber whose channel is full
// drops the event and increments the dropped counter: MessageReceived
// is a poke, not a payload, so a missed poke is harmless as long as
// the recipient re-reads the store on the next successful one.
func (n *Notifier) Publish(userID model.UserID, event model.UserEvent) int {
	s := n.shardFor(userID)

	s.mu.Lock()
	defer s.mu.Unlock()

	delivered := 0
	var dropped uint64
	for _, sub := range s.subs[userID] {
		select {
		case sub.ch <- event:
			delivered++
		default:
			dropped++
		}
	}
	if dropped > 0 {
		n.droppedMu.Lock()
		n.dropped += dropped
		n.droppedMu.Unlock()
	}
	return delivered
}

// Dropped returns the cumulative count of events dropped due to a full
// subscriber channel, for metrics.
func (n *Notifier) Dropped() uint64 {
	n.droppedMu.Lock()
	defer n.droppedMu.Unlock()
	return n.dropped
}

// RunGC periodically removes empty map entries. Call in a dedicated
// goroutine; it returns when ctx-equivalent stop channel is closed.
func (n *Notifier) RunGC(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n.gcOnce()
		}
	}
}

func (n *Notifier) gcOnce() {
	for _, s := range n.shards {
		s.mu.Lock()
		for userID, subs := range s.subs {
			if len(subs) == 0 {
				delete(s.subs, userID)
			}
		}
		s.mu.Unlock()
	}
}
