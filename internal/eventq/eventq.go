// Package eventq holds non-blocking channel helpers for fan-out to slow readers.
package eventq

import "context"

// Offer performs a non-blocking send.
// It returns true when the value was sent and false when the channel is full
// or closed.
func Offer[T any](ch chan<- T, value T) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}

// OfferContext performs a non-blocking send that also respects context cancellation.
// It returns false if ctx is already done or if the channel is full.
func OfferContext[T any](ctx context.Context, ch chan<- T, value T) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return Offer(ch, value)
}

// OfferLatest sends value, discarding the oldest buffered value when the
// channel is full so the reader always sees the most recent one. It never
// blocks. It returns false only when the channel is closed or unbuffered
// with no waiting reader.
func OfferLatest[T any](ch chan T, value T) bool {
	for range 2 {
		if Offer(ch, value) {
			return true
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}
