package creditsync

import "sync"

// BalanceUpdate is what presentation listeners receive.
type BalanceUpdate struct {
	Visible int64 `json:"visible"`
	Pending int64 `json:"pending"`
	State   State `json:"state"`
}

// Broadcaster fans balance updates out to subscribers. Each subscriber has
// a one-slot mailbox holding the latest unread value; older unread values
// are replaced. New subscribers immediately receive the current value.
type Broadcaster struct {
	mu      sync.Mutex
	current BalanceUpdate
	has     bool
	subs    map[chan BalanceUpdate]struct{}
}

// NewBroadcaster returns a Broadcaster with no value yet.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan BalanceUpdate]struct{})}
}

// Publish records u as current and delivers it to every subscriber.
func (b *Broadcaster) Publish(u BalanceUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current, b.has = u, true
	for ch := range b.subs {
		offer(ch, u)
	}
}

// offer replaces whatever is buffered in ch with u. Only called with b.mu
// held, so the send cannot block.
func offer(ch chan BalanceUpdate, u BalanceUpdate) {
	select {
	case <-ch:
	default:
	}
	ch <- u
}

// Subscribe returns a receive channel and its cancel func. Cancel is
// idempotent and closes the channel.
func (b *Broadcaster) Subscribe() (<-chan BalanceUpdate, func()) {
	ch := make(chan BalanceUpdate, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	if b.has {
		offer(ch, b.current)
	}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Current returns the last published value.
func (b *Broadcaster) Current() (BalanceUpdate, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, b.has
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
