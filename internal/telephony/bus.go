package telephony

import "sync"

const subscriberBuffer = 256

// Bus fans decoded events out to per-channel and global subscribers.
// Publish never blocks; a subscriber that falls a full buffer behind loses
// events and the drop is counted.
type Bus struct {
	mu      sync.Mutex
	next    int
	byID    map[string]map[int]chan Event
	all     map[int]chan Event
	dropped int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		byID: make(map[string]map[int]chan Event),
		all:  make(map[int]chan Event),
	}
}

// Subscribe registers for events of one channel, or all channels when id is
// empty. The returned func is idempotent.
func (b *Bus) Subscribe(id string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	key := b.next
	b.next++
	if id == "" {
		b.all[key] = ch
	} else {
		subs, ok := b.byID[id]
		if !ok {
			subs = make(map[int]chan Event)
			b.byID[id] = subs
		}
		subs[key] = ch
	}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			registered := false
			if id == "" {
				_, registered = b.all[key]
				delete(b.all, key)
			} else if subs, ok := b.byID[id]; ok {
				_, registered = subs[key]
				delete(subs, key)
				if len(subs) == 0 {
					delete(b.byID, id)
				}
			}
			if registered {
				close(ch)
			}
		})
	}
}

// Publish delivers ev to matching subscribers.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.byID[ev.ChannelID] {
		b.offer(ch, ev)
	}
	for _, ch := range b.all {
		b.offer(ch, ev)
	}
}

func (b *Bus) offer(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
		b.dropped++
	}
}

// Dropped reports how many deliveries were discarded.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes every subscriber stream.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, subs := range b.byID {
		for key, ch := range subs {
			close(ch)
			delete(subs, key)
		}
		delete(b.byID, id)
	}
	for key, ch := range b.all {
		close(ch)
		delete(b.all, key)
	}
}
