package bus

// Notifier is the in-process fast path between transaction commit and the
// relay. Dropping a notification is always safe: the sweep loop publishes the
// row on its next tick, the hint only trims latency.
type Notifier struct {
	ch chan int64
}

func NewNotifier(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Notifier{ch: make(chan int64, buffer)}
}

// Notify never blocks; when the buffer is full the hint is dropped.
func (n *Notifier) Notify(ids ...int64) {
	for _, id := range ids {
		select {
		case n.ch <- id:
		default:
			return
		}
	}
}

func (n *Notifier) C() <-chan int64 {
	return n.ch
}
