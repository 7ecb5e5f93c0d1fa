package signalr

import (
	"github.com/carterjones/signalrcore/hubs"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// readLoop owns the read half of the socket. Decoded messages go to the
// inbound queue, which is closed when the loop exits.
func (hc *Connection) readLoop() error {
	defer close(hc.inbound)

	buf, ok := hc.deliver(hc.leftover)
	if !ok {
		return hc.ctx.Err()
	}
	hc.leftover = nil
	if err := hc.checkBuffered(buf); err != nil {
		return err
	}

	for {
		t, p, err := hc.sock.ReadMessage()
		if err != nil {
			// gorilla/websocket read errors are permanent, so every one
			// of them ends the loop.
			if hc.ctx.Err() != nil {
				return hc.ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				hc.log.Debug("socket closed by peer", zap.Error(err))
				return errors.Wrap(ErrConnectionClosed, err.Error())
			}
			hc.log.Warn("socket read failed", zap.Error(err))
			return errors.Wrap(err, "read failed")
		}

		if t != websocket.TextMessage {
			hc.log.Warn("ignoring non-text frame", zap.Int("type", t), zap.Int("size", len(p)))
			continue
		}

		buf = append(buf, p...)
		buf, ok = hc.deliver(buf)
		if !ok {
			return hc.ctx.Err()
		}
		if err := hc.checkBuffered(buf); err != nil {
			return err
		}
	}
}

// checkBuffered fails once the unterminated tail outgrows MaxMessageSize.
func (hc *Connection) checkBuffered(buf []byte) error {
	if hc.maxMessage <= 0 || int64(len(buf)) <= hc.maxMessage {
		return nil
	}
	hc.log.Warn("peer message exceeds size limit",
		zap.Int("buffered", len(buf)), zap.Int64("limit", hc.maxMessage))
	return errors.Wrapf(ErrMessageTooLarge, "%d bytes buffered, limit %d", len(buf), hc.maxMessage)
}

// deliver decodes every complete message in buf onto the inbound queue and
// returns the unterminated remainder. It reports false if the connection
// stopped while it was blocked on a full queue.
func (hc *Connection) deliver(buf []byte) ([]byte, bool) {
	frames, rest := hubs.SplitFrames(buf)
	for _, f := range frames {
		m, err := hubs.Decode(f)
		if err != nil {
			hc.log.Warn("dropping undecodable message", zap.Error(err), zap.ByteString("payload", f))
			continue
		}

		select {
		case hc.inbound <- m:
		case <-hc.ctx.Done():
			return nil, false
		}
	}

	// Keep only the tail, without pinning the whole frame in memory.
	return append([]byte(nil), rest...), true
}
