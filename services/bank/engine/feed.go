package engine

import (
	"context"
	"sync"
	"time"

	"miladybank/core/events"
	"miladybank/core/types"
)

// DefaultFeedHistory is the number of events kept for replay.
const DefaultFeedHistory = 1024

const subscriberBuffer = 64

// Feed sequences emitted events and fans them out to subscribers. Slow
// subscribers drop events rather than block emitters; they can resume from
// the last sequence they saw.
type Feed struct {
	mu      sync.Mutex
	seq     uint64
	now     func() time.Time
	history []types.Event
	limit   int
	subs    map[int]chan types.Event
	nextSub int
	dropped uint64
}

// NewFeed constructs a feed retaining up to history events for replay.
func NewFeed(history int) *Feed {
	if history <= 0 {
		history = DefaultFeedHistory
	}
	return &Feed{
		now:   time.Now,
		limit: history,
		subs:  make(map[int]chan types.Event),
	}
}

// SetClock overrides the timestamp source.
func (f *Feed) SetClock(now func() time.Time) {
	if now != nil {
		f.now = now
	}
}

// Emit implements events.Emitter.
func (f *Feed) Emit(evt events.Event) {
	if f == nil || evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	f.Publish(*payload)
}

// Publish sequences a raw event and delivers it. It returns the stored copy.
func (f *Feed) Publish(evt types.Event) types.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	evt.Sequence = f.seq
	if evt.Timestamp == 0 {
		evt.Timestamp = f.now().Unix()
	}
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	evt.Attributes = attrs

	f.history = append(f.history, evt)
	if len(f.history) > f.limit {
		f.history = append(f.history[:0:0], f.history[len(f.history)-f.limit:]...)
	}
	for _, ch := range f.subs {
		select {
		case ch <- evt:
		default:
			f.dropped++
		}
	}
	return evt
}

// Since returns buffered events with a sequence above seq.
func (f *Feed) Since(seq uint64) []types.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinceLocked(seq)
}

func (f *Feed) sinceLocked(seq uint64) []types.Event {
	var out []types.Event
	for _, evt := range f.history {
		if evt.Sequence > seq {
			out = append(out, evt)
		}
	}
	return out
}

// Sequence returns the last assigned sequence number.
func (f *Feed) Sequence() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

// Dropped counts deliveries skipped because a subscriber was full.
func (f *Feed) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Subscribe registers a subscriber that receives buffered events above since
// followed by live events. The channel closes when ctx is done.
func (f *Feed) Subscribe(ctx context.Context, since uint64) <-chan types.Event {
	out := make(chan types.Event)
	live := make(chan types.Event, subscriberBuffer)

	f.mu.Lock()
	backlog := f.sinceLocked(since)
	id := f.nextSub
	f.nextSub++
	f.subs[id] = live
	f.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		}()
		last := since
		for _, evt := range backlog {
			select {
			case out <- evt:
				last = evt.Sequence
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case evt := <-live:
				if evt.Sequence <= last {
					continue
				}
				select {
				case out <- evt:
					last = evt.Sequence
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
