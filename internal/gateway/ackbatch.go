package gateway

import "github.com/propolis-net/relay/internal/store"

// AckBatcher accumulates Ack(envelope_id) frames from a single session
// and performs bulk EnvelopeStore.AckMany calls on a size threshold or
// flush-interval tick, per spec.md §4.8. It is driven entirely by the
// session's own main loop — the flush tick is one arm of that select,
// not a second goroutine racing it.
type AckBatcher struct {
	envelopes *store.EnvelopeStore
	batchSize int
	pending   []string
}

func NewAckBatcher(envelopes *store.EnvelopeStore, batchSize int) *AckBatcher {
	return &AckBatcher{envelopes: envelopes, batchSize: batchSize, pending: make([]string, 0, batchSize)}
}

// Add buffers envelopeID and reports whether the batch has reached its
// size threshold and should be flushed now.
func (b *AckBatcher) Add(envelopeID string) bool {
	b.pending = append(b.pending, envelopeID)
	return len(b.pending) >= b.batchSize
}

// Flush performs the bulk delete and resets the buffer regardless of
// outcome — a failed ack is safe to drop (the envelope stays pending
// and will be redelivered; the next successful ack wins).
func (b *AckBatcher) Flush() error {
	if len(b.pending) == 0 {
		return nil
	}
	_, err := b.envelopes.AckMany(b.pending)
	b.pending = b.pending[:0]
	return err
}
