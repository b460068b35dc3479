package services

import (
	"teleconsult/internal/core/domain"

	"github.com/gammazero/deque"
)

// candidateBuffer holds remote candidates that arrived before both session
// descriptions were applied. Candidates are replayed in arrival order.
type candidateBuffer struct {
	q deque.Deque[domain.ICECandidate]
}

func (b *candidateBuffer) Push(c domain.ICECandidate) {
	b.q.PushBack(c)
}

func (b *candidateBuffer) Len() int {
	return b.q.Len()
}

// Drain pops candidates in FIFO order and hands them to apply. It stops at
// the first error; the failing candidate is not requeued.
func (b *candidateBuffer) Drain(apply func(domain.ICECandidate) error) error {
	for b.q.Len() > 0 {
		if err := apply(b.q.PopFront()); err != nil {
			return err
		}
	}
	return nil
}

func (b *candidateBuffer) Reset() {
	b.q.Clear()
}
