package signalr

import (
	"io"
	"net"
	"time"

	"github.com/carterjones/signalrcore/hubs"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// writeLoop owns the write half of the socket.
func (hc *Connection) writeLoop() error {
	for {
		select {
		case <-hc.ctx.Done():
			hc.writeClose()
			return hc.ctx.Err()

		case m := <-hc.outbound.ch:
			isPing := m.Type() == hubs.PingType
			if hc.limiter != nil && !isPing {
				if err := hc.limiter.Wait(hc.ctx); err != nil {
					hc.writeClose()
					return hc.ctx.Err()
				}
			}

			data, err := hubs.Encode(m)
			if err != nil {
				hc.log.Warn("dropping unencodable message", zap.Error(err))
				continue
			}

			err = hc.sock.WriteMessage(websocket.TextMessage, data)
			if err != nil {
				if isFatalWriteError(err) {
					hc.log.Warn("socket write failed", zap.Error(err))
					return errors.Wrap(err, "write failed")
				}
				hc.log.Warn("dropping message after write failure", zap.Error(err), zap.Stringer("type", m.Type()))
				continue
			}

			if !isPing {
				select {
				case hc.activity <- struct{}{}:
				default:
				}
			}
		}
	}
}

// writeClose sends a normal closure frame, best effort.
func (hc *Connection) writeClose() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")

	var err error
	if cw, ok := hc.sock.(controlWriter); ok {
		err = cw.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	} else {
		err = hc.sock.WriteMessage(websocket.CloseMessage, msg)
	}
	if err != nil {
		hc.log.Debug("close frame not sent", zap.Error(err))
	}
}

// isFatalWriteError reports whether err leaves the socket unusable.
func isFatalWriteError(err error) bool {
	cause := errors.Cause(err)
	switch cause {
	case websocket.ErrCloseSent, io.EOF, io.ErrClosedPipe, net.ErrClosed:
		return true
	}
	if _, ok := cause.(*websocket.CloseError); ok {
		return true
	}
	if ne, ok := cause.(net.Error); ok && ne.Timeout() {
		return false
	}
	if _, ok := cause.(*net.OpError); ok {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
