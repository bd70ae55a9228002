package notifier

import "sync"

// Notifier fans a change signal out to every current subscriber.
// Signals carry no payload; subscribers react by re-reading whatever
// store they watch. A subscriber that has not drained its channel yet
// does not queue further signals.
type Notifier struct {
	mu          sync.Mutex
	subscribers map[chan struct{}]struct{}
}

func New() Notifier {
	return Notifier{
		subscribers: make(map[chan struct{}]struct{}),
	}
}

// Subscribe registers a new listener. Callers must Unsubscribe with
// the returned channel when done.
func (n *Notifier) Subscribe() chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers[ch] = struct{}{}

	return ch
}

func (n *Notifier) Unsubscribe(ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.subscribers[ch]; ok {
		delete(n.subscribers, ch)
		close(ch)
	}
}

// NotifyAll pokes every subscriber without blocking.
func (n *Notifier) NotifyAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch := range n.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
