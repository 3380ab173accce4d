package ws

import "time"

// Backoff produces reconnect delays: Base, Base*Factor, Base*Factor², …
// capped at Max. Reset after a successful connect.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration

	next time.Duration
}

func NewBackoff(base time.Duration, factor float64, max time.Duration) *Backoff {
	return &Backoff{Base: base, Factor: factor, Max: max, next: base}
}

func (b *Backoff) Next() time.Duration {
	d := b.next
	if d > b.Max {
		d = b.Max
		b.next = b.Max
	} else {
		b.next = time.Duration(float64(b.next) * b.Factor)
	}
	return d
}

func (b *Backoff) Reset() {
	b.next = b.Base
}
