package ticket

import (
	"sort"
	"sync"
)

// queuedMessage is one historical message waiting for ordered delivery.
type queuedMessage struct {
	seq  int64
	text string
}

// restoreQueue buffers historical messages for channels that are being
// restored. The upstream transport can redeliver history out of order on
// reconnect, so messages are tagged with a per-channel sequence number and
// flushed in sequence order rather than network-arrival order.
type restoreQueue struct {
	mu      sync.Mutex
	pending map[string][]queuedMessage
}

func newRestoreQueue() *restoreQueue {
	return &restoreQueue{
		pending: make(map[string][]queuedMessage),
	}
}

// begin marks a channel as restoring. Messages for it are queued instead of
// delivered until finish is called.
func (q *restoreQueue) begin(channelID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[channelID]; !ok {
		q.pending[channelID] = nil
	}
}

// isRestoring reports whether a channel is currently buffering.
func (q *restoreQueue) isRestoring(channelID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[channelID]
	return ok
}

// enqueue buffers a message for a restoring channel. Returns false if the
// channel is not restoring, in which case the caller delivers directly.
func (q *restoreQueue) enqueue(channelID string, seq int64, text string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs, ok := q.pending[channelID]
	if !ok {
		return false
	}
	q.pending[channelID] = append(msgs, queuedMessage{seq: seq, text: text})
	return true
}

// finish removes the channel from the restoring set and returns its buffered
// messages sorted by sequence number.
func (q *restoreQueue) finish(channelID string) []queuedMessage {
	q.mu.Lock()
	msgs := q.pending[channelID]
	delete(q.pending, channelID)
	q.mu.Unlock()

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].seq < msgs[j].seq
	})
	return msgs
}
