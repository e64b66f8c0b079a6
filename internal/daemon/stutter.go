package daemon

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// schedTask is one pending wakeup.
type schedTask struct {
	at  time.Time
	seq uint64
	fn  func()
}

type taskHeap []*schedTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*schedTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler is a single min-heap timer wheel shared by every
// connection's stutter writer, the idiomatic-Go analogue of the
// original's single poll() loop (see package doc).
type Scheduler struct {
	mu   sync.Mutex
	h    taskHeap
	wake chan struct{}
	seq  uint64
}

// NewScheduler returns a Scheduler; call Run in its own goroutine.
func NewScheduler() *Scheduler {
	return &Scheduler{wake: make(chan struct{}, 1)}
}

// Schedule arranges for fn to run (in its own goroutine) at or after
// at.
func (s *Scheduler) Schedule(at time.Time, fn func()) {
	s.mu.Lock()
	s.seq++
	heap.Push(&s.h, &schedTask{at: at, seq: s.seq, fn: fn})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the scheduler until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		d := s.nextDelay()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			continue
		case <-timer.C:
			s.fireDue()
		}
	}
}

func (s *Scheduler) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.h) == 0 {
		return time.Hour
	}
	d := time.Until(s.h[0].at)
	if d < 0 {
		return 0
	}
	return d
}

func (s *Scheduler) fireDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.h) == 0 || s.h[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.h).(*schedTask)
		s.mu.Unlock()
		go t.fn()
	}
}

// StutterWrite writes data to w one byte at a time, interval apart,
// scheduled on sched rather than blocking the caller's goroutine on
// time.Sleep between every byte (spec.md §4.5's stuttering rule). It
// returns a channel that receives the final error (nil on success)
// once every byte has been written or a write fails.
func StutterWrite(sched *Scheduler, w ByteWriter, data []byte, interval time.Duration) <-chan error {
	result := make(chan error, 1)
	if len(data) == 0 {
		result <- nil
		return result
	}

	var step func(i int)
	step = func(i int) {
		if _, err := w.Write(data[i : i+1]); err != nil {
			result <- err
			return
		}
		if i+1 >= len(data) {
			result <- nil
			return
		}
		sched.Schedule(time.Now().Add(interval), func() { step(i + 1) })
	}
	step(0)
	return result
}

// ByteWriter is the minimal surface StutterWrite needs from a
// connection; net.Conn satisfies it.
type ByteWriter interface {
	Write(p []byte) (int, error)
}
