package signalr

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/carterjones/signalrcore/hubs"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// closeGracePeriod bounds how long shutdown waits for the writer to send the
// close frame before the socket is closed underneath it.
const closeGracePeriod = time.Second

type readLimiter interface {
	SetReadLimit(limit int64)
}

// Connection is a running hub connection. It is created by Client.Start once
// the handshake succeeds and runs four loops until one of them stops:
//   - the reader decodes socket frames onto the inbound queue
//   - the dispatcher routes inbound messages to handlers and pending calls
//   - the writer encodes the outbound queue onto the socket
//   - the heartbeat queues a Ping whenever the outbound side goes idle
type Connection struct {
	token string
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sock     WebsocketConn
	leftover []byte

	inbound  chan hubs.Message
	outbound *outboundQueue
	activity chan struct{}
	calls    chan registration

	handlers     map[string]Handler
	keepAlive    time.Duration
	maxMessage   int64
	limiter      *rate.Limiter
	streamBuffer int
	nextID       uint64

	exits      chan error
	writerDone chan struct{}
	done       chan struct{}
	err        error
}

func newConnection(ctx context.Context, c *Client, sock WebsocketConn, leftover []byte) *Connection {
	ctx, cancel := context.WithCancel(ctx)

	handlers := make(map[string]Handler, len(c.handlers))
	for k, v := range c.handlers {
		handlers[k] = v
	}

	inboundSize := c.InboundQueueSize
	if inboundSize < 1 {
		inboundSize = 1
	}

	hc := &Connection{
		token:        c.ConnectionToken,
		log:          c.logger().With(zap.String("connectionId", c.ConnectionID)),
		ctx:          ctx,
		cancel:       cancel,
		sock:         sock,
		leftover:     leftover,
		inbound:      make(chan hubs.Message, inboundSize),
		outbound:     newOutboundQueue(c.OutboundQueueSize, c.OverflowPolicy, ctx.Done()),
		activity:     make(chan struct{}, 1),
		calls:        make(chan registration),
		handlers:     handlers,
		keepAlive:    c.KeepAliveInterval,
		maxMessage:   c.MaxMessageSize,
		streamBuffer: c.StreamBufferSize,
		exits:        make(chan error, 4),
		writerDone:   make(chan struct{}),
		done:         make(chan struct{}),
	}

	if c.SendRateLimit > 0 {
		burst := c.SendBurst
		if burst < 1 {
			burst = 1
		}
		hc.limiter = rate.NewLimiter(c.SendRateLimit, burst)
	}

	go hc.run("reader", hc.readLoop)
	go hc.run("dispatcher", hc.dispatchLoop)
	go func() {
		defer close(hc.writerDone)
		hc.run("writer", hc.writeLoop)
	}()
	go hc.run("heartbeat", hc.heartbeatLoop)
	go hc.supervise()

	return hc
}

func (hc *Connection) run(name string, loop func() error) {
	err := loop()
	hc.log.Debug("loop exited", zap.String("loop", name), zap.Error(err))
	hc.exits <- err
}

// supervise waits for the first loop to stop, then stops the others and
// releases the socket.
func (hc *Connection) supervise() {
	remaining := cap(hc.exits)

	var first error
	select {
	case first = <-hc.exits:
		remaining--
	case <-hc.ctx.Done():
		first = hc.ctx.Err()
	}
	hc.cancel()

	// Give the writer a moment to send the close frame.
	t := time.NewTimer(closeGracePeriod)
	select {
	case <-hc.writerDone:
	case <-t.C:
	}
	t.Stop()

	if err := hc.sock.Close(); err != nil {
		hc.log.Debug("socket close failed", zap.Error(err))
	}

	for ; remaining > 0; remaining-- {
		if err := <-hc.exits; isServerClose(err) {
			first = err
		}
	}

	if errors.Cause(first) == context.Canceled {
		first = nil
	}
	hc.err = first
	close(hc.done)
}

// isServerClose reports whether err carries the server's Close message. It
// takes precedence over the socket error that usually follows it.
func isServerClose(err error) bool {
	var cerr *ServerCloseError
	return errors.As(err, &cerr)
}

// ConnectionToken returns the token obtained during negotiation.
func (hc *Connection) ConnectionToken() string {
	return hc.token
}

// Done returns a channel that is closed once every loop has stopped and the
// socket is closed.
func (hc *Connection) Done() <-chan struct{} {
	return hc.done
}

// Err returns the error that ended the connection, once Done is closed. It is
// nil when the connection was stopped by Close or by its context.
func (hc *Connection) Err() error {
	select {
	case <-hc.done:
		return hc.err
	default:
		return nil
	}
}

// Close stops the connection and waits for its loops to exit.
func (hc *Connection) Close() error {
	hc.cancel()
	<-hc.done
	return hc.err
}

// Dropped returns the number of messages discarded by OverflowDrop.
func (hc *Connection) Dropped() uint64 {
	return hc.outbound.droppedCount()
}

// Send queues m for the writer.
func (hc *Connection) Send(ctx context.Context, m hubs.Message) error {
	if m == nil {
		return errors.New("send: nil message")
	}
	return hc.outbound.push(ctx, m)
}

func (hc *Connection) newID() string {
	return strconv.FormatUint(atomic.AddUint64(&hc.nextID, 1), 10)
}

// register hands call to the dispatcher. Once it returns, a Completion for id
// will find the call.
func (hc *Connection) register(ctx context.Context, id string, call pendingCall) error {
	select {
	case hc.calls <- registration{id: id, call: call}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-hc.ctx.Done():
		return ErrConnectionClosed
	}
}

// retire removes id from the pending calls and completes it with err.
func (hc *Connection) retire(id string, err error) {
	select {
	case hc.calls <- registration{id: id, err: err}:
	case <-hc.ctx.Done():
	}
}

// Invoke calls target on the hub and waits for its Completion. A Completion
// carrying an error is returned as an *InvocationError.
func (hc *Connection) Invoke(ctx context.Context, target string, args ...interface{}) (json.RawMessage, error) {
	if target == "" {
		return nil, ErrNoTarget
	}
	arguments, err := hubs.Args(args...)
	if err != nil {
		return nil, errors.Wrap(err, "arguments marshal failed")
	}

	id := hc.newID()
	call := newInvokeCall()
	if err := hc.register(ctx, id, call); err != nil {
		return nil, err
	}

	err = hc.Send(ctx, &hubs.Invocation{InvocationID: &id, Target: target, Arguments: arguments})
	if err != nil {
		hc.retire(id, err)
		return nil, errors.Wrap(err, "invoke")
	}

	select {
	case r := <-call.result:
		return r.value, r.err
	case <-ctx.Done():
		hc.retire(id, ctx.Err())
		return nil, ctx.Err()
	}
}

// Stream starts a server-to-client stream of target. The stream is cancelled
// when ctx is done.
func (hc *Connection) Stream(ctx context.Context, target string, args ...interface{}) (*Stream, error) {
	if target == "" {
		return nil, ErrNoTarget
	}
	arguments, err := hubs.Args(args...)
	if err != nil {
		return nil, errors.Wrap(err, "arguments marshal failed")
	}

	id := hc.newID()
	s := newStream(id, hc, hc.streamBuffer)
	if err := hc.register(ctx, id, s); err != nil {
		return nil, err
	}

	err = hc.Send(ctx, &hubs.StreamInvocation{InvocationID: &id, Target: target, Arguments: arguments})
	if err != nil {
		hc.retire(id, err)
		return nil, errors.Wrap(err, "stream")
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Cancel()
		case <-s.finished:
		}
	}()

	return s, nil
}
