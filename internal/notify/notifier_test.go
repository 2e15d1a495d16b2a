package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/propolis-net/relay/internal/model"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	assert := assert.New(t)

	n := New(4, 4)
	userID := model.UserID("alice")

	ch1, _ := n.Subscribe(userID)
	ch2, _ := n.Subscribe(userID)

	delivered := n.Publish(userID, model.UserEvent{Kind: model.EventMessageReceived})
	assert.Equal(2, delivered)

	select {
	case event := <-ch1:
		assert.Equal(model.EventMessageReceived, event.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event on ch1")
	}
	select {
	case event := <-ch2:
		assert.Equal(model.EventMessageReceived, event.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event on ch2")
	}
}

func TestPublishToUnknownUserDeliversNothing(t *testing.T) {
	assert := assert.New(t)

	n := New(4, 4)
	delivered := n.Publish(model.UserID("nobody"), model.UserEvent{Kind: model.EventMessageReceived})
	assert.Equal(0, delivered)
}

func TestUnsubscribeClosesChannelAndStopsDelivery(t *testing.T) {
	assert := assert.New(t)

	n := New(4, 4)
	userID := model.UserID("bob")

	ch, handle := n.Subscribe(userID)
	n.Unsubscribe(userID, handle)

	_, ok := <-ch
	assert.False(ok, "channel should be closed after Unsubscribe")

	delivered := n.Publish(userID, model.UserEvent{Kind: model.EventMessageReceived})
	assert.Equal(0, delivered)
}

func TestPublishDropsAndCountsWhenSubscriberBufferFull(t *testing.T) {
	assert := assert.New(t)

	n := New(1, 1)
	userID := model.UserID("carol")

	_, _ = n.Subscribe(userID)

	n.Publish(userID, model.UserEvent{Kind: model.EventMessageReceived})
	n.Publish(userID, model.UserEvent{Kind: model.EventMessageReceived})

	assert.Equal(uint64(1), n.Dropped())
}

func TestGCRemovesEmptyShardEntries(t *testing.T) {
	assert := assert.New(t)

	n := New(1, 1)
	userID := model.UserID("dave")

	// Unsubscribe already prunes its own empty entry; force the
	// degenerate state gcOnce exists to clean up so this test actually
	// exercises it rather than the already-proven Unsubscribe path.
	s := n.shardFor(userID)
	s.mu.Lock()
	s.subs[userID] = nil
	s.mu.Unlock()

	n.gcOnce()

	s.mu.Lock()
	_, exists := s.subs[userID]
	s.mu.Unlock()
	assert.False(exists)
}
