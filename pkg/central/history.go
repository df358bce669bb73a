package central

import (
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// StateChange records one connection state transition.
type StateChange struct {
	From   ConnState `json:"from"`
	To     ConnState `json:"to"`
	Epoch  uint64    `json:"epoch"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// history keeps the most recent state changes, overwriting the oldest.
type history struct {
	mu   sync.Mutex
	ring mpmc.RichOverlappedRingBuffer[StateChange]
}

func newHistory(size int) *history {
	return &history{ring: mpmc.NewOverlappedRingBuffer[StateChange](uint32(size))}
}

func (h *history) record(c StateChange) {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, _ = h.ring.EnqueueM(c)
}

// snapshot returns the retained changes, oldest first, without consuming them.
func (h *history) snapshot() []StateChange {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []StateChange
	for !h.ring.IsEmpty() {
		c, err := h.ring.Dequeue()
		if err != nil {
			break
		}
		out = append(out, c)
	}
	for _, c := range out {
		_, _ = h.ring.EnqueueM(c)
	}
	return out
}
