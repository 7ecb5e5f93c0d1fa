package signalr

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/carterjones/signalrcore/hubs"
	"github.com/pkg/errors"
)

// OverflowPolicy decides what Send does when the outbound queue is full.
type OverflowPolicy int

const (
	// OverflowReject makes Send fail with ErrOutboundQueueFull.
	OverflowReject OverflowPolicy = iota

	// OverflowDrop discards the message. Send reports success and the
	// connection's Dropped counter is incremented.
	OverflowDrop

	// OverflowBlock makes Send wait for room, for its context, or for the
	// connection to end.
	OverflowBlock
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowReject:
		return "reject"
	case OverflowDrop:
		return "drop"
	case OverflowBlock:
		return "block"
	}
	return "unknown"
}

// ParseOverflowPolicy returns the policy named by s, as printed by String.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return OverflowReject, nil
	case "drop":
		return OverflowDrop, nil
	case "block":
		return OverflowBlock, nil
	}
	return OverflowReject, errors.Errorf("unknown overflow policy %q", s)
}

// outboundQueue is the bounded queue feeding the writer loop. Producers are
// the application and the heartbeat; the writer is the only consumer.
type outboundQueue struct {
	ch      chan hubs.Message
	policy  OverflowPolicy
	closed  <-chan struct{}
	dropped uint64
}

func newOutboundQueue(size int, policy OverflowPolicy, closed <-chan struct{}) *outboundQueue {
	if size < 1 {
		size = 1
	}
	return &outboundQueue{
		ch:     make(chan hubs.Message, size),
		policy: policy,
		closed: closed,
	}
}

// push enqueues m according to the overflow policy.
func (q *outboundQueue) push(ctx context.Context, m hubs.Message) error {
	select {
	case <-q.closed:
		return ErrConnectionClosed
	default:
	}

	select {
	case q.ch <- m:
		return nil
	default:
	}

	switch q.policy {
	case OverflowDrop:
		atomic.AddUint64(&q.dropped, 1)
		return nil
	case OverflowBlock:
		select {
		case q.ch <- m:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closed:
			return ErrConnectionClosed
		}
	}
	return ErrOutboundQueueFull
}

// offer enqueues m only if there is room right now, whatever the policy.
func (q *outboundQueue) offer(m hubs.Message) error {
	select {
	case <-q.closed:
		return ErrConnectionClosed
	default:
	}

	select {
	case q.ch <- m:
		return nil
	default:
		return ErrOutboundQueueFull
	}
}

func (q *outboundQueue) droppedCount() uint64 {
	return atomic.LoadUint64(&q.dropped)
}
