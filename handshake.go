package signalr

import (
	"bytes"
	"time"

	"github.com/carterjones/signalrcore/hubs"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// handshakeRequest is the only sub-protocol this client speaks.
var handshakeRequest = hubs.HandshakeRequest{Protocol: "json", Version: 1}

type handshakeState int

const (
	handshakeAwaitingSend handshakeState = iota
	handshakeAwaitingResponse
	handshakeSucceeded
	handshakeFailed
)

func (s handshakeState) String() string {
	switch s {
	case handshakeAwaitingSend:
		return "awaiting send"
	case handshakeAwaitingResponse:
		return "awaiting response"
	case handshakeSucceeded:
		return "succeeded"
	case handshakeFailed:
		return "failed"
	}
	return "unknown"
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Handshake performs the protocol handshake on a freshly dialed socket. It
// writes the handshake request, waits for exactly one frame in reply, and
// returns any bytes that followed the response in that frame. A failure is
// returned as a *HandshakeError; the caller must not use the socket further.
func (c *Client) Handshake(conn WebsocketConn) (leftover []byte, err error) {
	log := c.logger()

	state := handshakeAwaitingSend
	reason := ""

	for {
		switch state {
		case handshakeAwaitingSend:
			data, eerr := hubs.EncodeHandshakeRequest(handshakeRequest)
			if eerr != nil {
				reason = eerr.Error()
				state = handshakeFailed
				continue
			}
			if werr := conn.WriteMessage(websocket.TextMessage, data); werr != nil {
				reason = werr.Error()
				state = handshakeFailed
				continue
			}
			state = handshakeAwaitingResponse

		case handshakeAwaitingResponse:
			if d, ok := conn.(readDeadliner); ok && c.HandshakeTimeout > 0 {
				if derr := d.SetReadDeadline(time.Now().Add(c.HandshakeTimeout)); derr != nil {
					reason = derr.Error()
					state = handshakeFailed
					continue
				}
				defer func() {
					if cerr := d.SetReadDeadline(time.Time{}); cerr != nil {
						log.Debug("handshake: read deadline not cleared", zap.Error(cerr))
					}
				}()
			}

			t, p, rerr := conn.ReadMessage()
			if rerr != nil {
				reason = rerr.Error()
				state = handshakeFailed
				continue
			}
			if t != websocket.TextMessage {
				reason = ""
				log.Warn("handshake: unexpected websocket frame type", zap.Int("type", t))
				state = handshakeFailed
				continue
			}

			payload := p
			if i := bytes.IndexByte(p, hubs.RecordSeparator); i >= 0 {
				payload = p[:i]
				leftover = p[i+1:]
			}

			resp, derr := hubs.DecodeHandshakeResponse(payload)
			if derr != nil {
				reason = ""
				log.Warn("handshake: malformed response", zap.Error(derr), zap.ByteString("payload", payload))
				state = handshakeFailed
				continue
			}
			if resp.Error != nil {
				reason = *resp.Error
				state = handshakeFailed
				continue
			}
			state = handshakeSucceeded

		case handshakeSucceeded:
			log.Debug("handshake succeeded", zap.Int("leftover", len(leftover)))
			return leftover, nil

		case handshakeFailed:
			log.Debug("handshake failed", zap.String("reason", reason))
			return nil, &HandshakeError{Reason: reason}
		}
	}
}
