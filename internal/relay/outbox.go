package relay

import (
	"context"
	"errors"
	"sync"
)

// ErrOutboxClosed is returned by Drain once the outbox is closed and empty.
var ErrOutboxClosed = errors.New("outbox closed")

// OfferResult is the outcome of a non-blocking Offer.
type OfferResult int

const (
	Delivered OfferResult = iota
	Full
	Closed
)

func (r OfferResult) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Full:
		return "full"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Outbox is a bounded queue of encoded frames owned by one connection.
// Writers never block; the transport drains it.
type Outbox struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
	done   chan struct{}
}

// NewOutbox returns an outbox holding at most size frames.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 1
	}
	return &Outbox{
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
	}
}

// Offer enqueues frame without blocking.
func (o *Outbox) Offer(frame []byte) OfferResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return Closed
	}
	select {
	case o.ch <- frame:
		return Delivered
	default:
		return Full
	}
}

// C returns the frame channel. It is closed by Close after pending frames.
func (o *Outbox) C() <-chan []byte {
	return o.ch
}

// Done is closed when the outbox is closed.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Close stops accepting frames. Frames already queued remain readable from C.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
	close(o.ch)
}

// Len returns the number of queued frames.
func (o *Outbox) Len() int {
	return len(o.ch)
}

// Drain waits until at least one frame is queued or ctx ends, then returns up
// to max queued frames. A ctx expiry with nothing queued returns no frames and
// no error.
func (o *Outbox) Drain(ctx context.Context, max int) ([][]byte, error) {
	var frames [][]byte

	select {
	case f, ok := <-o.ch:
		if !ok {
			return nil, ErrOutboxClosed
		}
		frames = append(frames, f)
	case <-ctx.Done():
		return nil, nil
	}

	for len(frames) < max {
		select {
		case f, ok := <-o.ch:
			if !ok {
				return frames, nil
			}
			frames = append(frames, f)
		default:
			return frames, nil
		}
	}
	return frames, nil
}
