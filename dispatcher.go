package signalr

import (
	"encoding/json"
	"fmt"

	"github.com/carterjones/signalrcore/hubs"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// dispatchLoop routes inbound messages. It is the only goroutine that touches
// the handler registry and the pending-call table. It returns once the reader
// has closed the inbound queue, so messages read before shutdown still reach
// their calls.
func (hc *Connection) dispatchLoop() error {
	pending := make(map[string]pendingCall)

	failAll := func(err error) {
		for id, call := range pending {
			call.complete(nil, err)
			delete(pending, id)
		}
	}

	for {
		select {
		case <-hc.ctx.Done():
			// The reader closes the queue on its way out.
			for m := range hc.inbound {
				if err := hc.dispatch(pending, m); err != nil {
					failAll(err)
					return err
				}
			}
			failAll(ErrConnectionClosed)
			return hc.ctx.Err()

		case r := <-hc.calls:
			if r.call != nil {
				pending[r.id] = r.call
				continue
			}
			if call, ok := pending[r.id]; ok {
				delete(pending, r.id)
				call.complete(nil, r.err)
			}

		case m, ok := <-hc.inbound:
			if !ok {
				failAll(ErrConnectionClosed)
				return nil
			}
			if err := hc.dispatch(pending, m); err != nil {
				failAll(err)
				return err
			}
		}
	}
}

// dispatch handles one inbound message. It returns a *ServerCloseError when
// the server closed the connection.
func (hc *Connection) dispatch(pending map[string]pendingCall, m hubs.Message) error {
	switch m := m.(type) {
	case *hubs.Invocation:
		hc.serve(m.InvocationID, m.Target, m.Arguments)

	case *hubs.StreamInvocation:
		hc.serve(m.InvocationID, m.Target, m.Arguments)

	case *hubs.StreamItem:
		id, call := lookup(pending, m.InvocationID)
		if call == nil {
			hc.log.Warn("dropping stream item for unknown invocation", zap.String("invocationId", id))
			return nil
		}
		switch err := call.item(m.Item); err {
		case nil:
		case errNotStream:
			hc.log.Warn("dropping stream item for non-stream invocation", zap.String("invocationId", id))
		default:
			hc.log.Warn("stream consumer fell behind, cancelling", zap.String("invocationId", id), zap.Error(err))
			delete(pending, id)
			call.complete(nil, err)
			if oerr := hc.outbound.offer(&hubs.CancelInvocation{InvocationID: &id}); oerr != nil {
				hc.log.Debug("cancel invocation not sent", zap.String("invocationId", id), zap.Error(oerr))
			}
		}

	case *hubs.Completion:
		id, call := lookup(pending, m.InvocationID)
		if call == nil {
			hc.log.Warn("dropping completion for unknown invocation", zap.String("invocationId", id))
			return nil
		}
		delete(pending, id)
		if m.Failed() {
			call.complete(m.Result, &InvocationError{InvocationID: id, Message: *m.Error})
		} else {
			call.complete(m.Result, nil)
		}

	case *hubs.Close:
		reason := ""
		if m.Error != nil {
			reason = *m.Error
		}
		hc.log.Debug("server sent close", zap.String("reason", reason))
		return &ServerCloseError{Reason: reason}

	case *hubs.CancelInvocation:
		id, _ := hubs.ID(m)
		hc.log.Warn("dropping cancel invocation, no client streams are running", zap.String("invocationId", id))

	case *hubs.Ping:
	}
	return nil
}

func lookup(pending map[string]pendingCall, id *string) (string, pendingCall) {
	if id == nil {
		return "", nil
	}
	return *id, pending[*id]
}

// serve runs the handler registered for target. When the server supplied an
// invocation id, the outcome is sent back as a Completion.
func (hc *Connection) serve(id *string, target string, arguments json.RawMessage) {
	h, ok := hc.handlers[target]
	if !ok {
		hc.log.Warn("no handler registered", zap.String("target", target))
		if id != nil {
			hc.reply(&hubs.Completion{
				InvocationID: id,
				Error:        hubs.String(fmt.Sprintf("client has no handler for %q", target)),
			})
		}
		return
	}

	result, err := hc.call(h, arguments)
	if id == nil {
		if err != nil {
			hc.log.Warn("handler failed", zap.String("target", target), zap.Error(err))
		}
		return
	}

	c := &hubs.Completion{InvocationID: id}
	if err != nil {
		c.Error = hubs.String(err.Error())
	} else if c.Result, err = json.Marshal(result); err != nil {
		c.Result = nil
		c.Error = hubs.String("result marshal failed: " + err.Error())
	}
	hc.reply(c)
}

// call runs h, turning a panic into an error so that one bad handler cannot
// take the dispatcher down.
func (hc *Connection) call(h Handler, arguments json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(arguments)
}

func (hc *Connection) reply(c *hubs.Completion) {
	if err := hc.outbound.offer(c); err != nil {
		hc.log.Warn("completion not sent", zap.String("invocationId", *c.InvocationID), zap.Error(err))
	}
}
