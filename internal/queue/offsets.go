package queue

import "sync"

type partitionKey struct {
	topic     string
	partition int32
}

type partitionState struct {
	inFlight []int64 // dispatch order, ascending
	done     map[int64]bool
}

// OffsetTracker decides which Kafka offsets are safe to commit. An offset becomes
// committable only once it and every lower dispatched offset of its partition are done.
type OffsetTracker struct {
	mu         sync.Mutex
	partitions map[partitionKey]*partitionState
}

// NewOffsetTracker creates an empty OffsetTracker.
func NewOffsetTracker() *OffsetTracker {
	return &OffsetTracker{partitions: make(map[partitionKey]*partitionState)}
}

func (t *OffsetTracker) state(topic string, partition int32) *partitionState {
	key := partitionKey{topic: topic, partition: partition}
	st, ok := t.partitions[key]
	if !ok {
		st = &partitionState{done: make(map[int64]bool)}
		t.partitions[key] = st
	}
	return st
}

// Dispatched registers an offset handed to a handler. Offsets of a partition must be
// registered in the order they were read.
func (t *OffsetTracker) Dispatched(topic string, partition int32, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(topic, partition)
	st.inFlight = append(st.inFlight, offset)
}

// Done marks offset finished. It returns the offset to commit (one past the highest
// contiguous finished offset) and true when the committable position advanced.
func (t *OffsetTracker) Done(topic string, partition int32, offset int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(topic, partition)
	st.done[offset] = true

	var next int64
	advanced := false
	for len(st.inFlight) > 0 && st.done[st.inFlight[0]] {
		head := st.inFlight[0]
		delete(st.done, head)
		st.inFlight = st.inFlight[1:]
		next = head + 1
		advanced = true
	}
	return next, advanced
}

// Pending is the number of finished offsets held back behind an unfinished one.
func (t *OffsetTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, st := range t.partitions {
		n += len(st.done)
	}
	return n
}
