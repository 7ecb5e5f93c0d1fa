package signalr

import (
	"encoding/json"
	"net/http"

	"github.com/carterjones/signalrcore/hubs"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// TestConnectionToken is the token handed out by TestNegotiate.
const TestConnectionToken = "hello world"

var testRouter = NewTestRouter()

// NewTestRouter returns a router serving a sample hub at any single-segment
// endpoint, e.g. "/chat":
//   - POST /{hub}/negotiate is answered by TestNegotiate
//   - GET /{hub}?id=... is answered by TestConnect
func NewTestRouter() *mux.Router {
	r := mux.NewRouter()
	r.Methods(http.MethodPost).Path("/{hub}/negotiate").HandlerFunc(TestNegotiate)
	r.Methods(http.MethodGet).Path("/{hub}").HandlerFunc(TestConnect)
	return r
}

// TestCompleteHandler combines the negotiate and connect handlers found in
// this package into one complete response handler.
func TestCompleteHandler(w http.ResponseWriter, r *http.Request) {
	testRouter.ServeHTTP(w, r)
}

// TestNegotiate provides a sample "/negotiate" handling function.
//
// If an error occurs while writing the response data, it will panic.
func TestNegotiate(w http.ResponseWriter, r *http.Request) {
	// nolint:lll
	_, err := w.Write([]byte(`{"connectionToken":"hello world","connectionId":"1234-ABC","negotiateVersion":1,"availableTransports":[{"transport":"WebSockets","transferFormats":["Text","Binary"]}]}`))
	if err != nil {
		panic(err)
	}
}

// TestConnect provides a sample hub socket. It rejects connections that do not
// present TestConnectionToken, performs the handshake, and then serves these
// hub methods:
//   - Echo(x) completes with x
//   - Fail() completes with the error "test failure"
//   - Broadcast(args...) invokes ReceiveMessage(args...) on the client
//   - Close() makes the server send a Close message
//   - Count(n), as a stream, yields 0..n-1
//
// If an error occurs while upgrading the websocket, it will panic.
func TestConnect(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("id") != TestConnectionToken {
		http.Error(w, "unknown connection token", http.StatusNotFound)
		return
	}

	upgrader := websocket.Upgrader{}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		panic(err)
	}

	go serveTestHub(c)
}

func serveTestHub(c *websocket.Conn) {
	defer c.Close()

	// The first frame is the handshake.
	_, p, err := c.ReadMessage()
	if err != nil {
		return
	}
	frames, _ := hubs.SplitFrames(p)
	var req hubs.HandshakeRequest
	if len(frames) != 1 || json.Unmarshal(frames[0], &req) != nil || req.Protocol != "json" {
		_ = c.WriteMessage(websocket.TextMessage, []byte("{\"error\":\"unsupported protocol\"}\x1e"))
		return
	}
	if err = c.WriteMessage(websocket.TextMessage, []byte("{}\x1e")); err != nil {
		return
	}

	var buf []byte
	for {
		t, p, err := c.ReadMessage()
		if err != nil {
			return
		}
		if t != websocket.TextMessage {
			continue
		}

		buf = append(buf, p...)
		frames, rest := hubs.SplitFrames(buf)
		buf = append([]byte(nil), rest...)

		for _, f := range frames {
			m, err := hubs.Decode(f)
			if err != nil {
				continue
			}
			for _, out := range testHubReply(m) {
				data, err := hubs.Encode(out)
				if err != nil {
					continue
				}
				if err = c.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}
}

func testHubReply(m hubs.Message) []hubs.Message {
	switch m := m.(type) {
	case *hubs.Invocation:
		var args []json.RawMessage
		_ = json.Unmarshal(m.Arguments, &args)

		var out []hubs.Message
		completion := &hubs.Completion{InvocationID: m.InvocationID}

		switch m.Target {
		case "Echo":
			if len(args) > 0 {
				completion.Result = args[0]
			}
		case "Fail":
			completion.Error = hubs.String("test failure")
		case "Broadcast":
			out = append(out, &hubs.Invocation{Target: "ReceiveMessage", Arguments: m.Arguments})
		case "Close":
			return []hubs.Message{&hubs.Close{Error: hubs.String("test close")}}
		default:
			completion.Error = hubs.String("unknown method " + m.Target)
		}

		if m.InvocationID != nil {
			out = append(out, completion)
		}
		return out

	case *hubs.StreamInvocation:
		var args []int
		_ = json.Unmarshal(m.Arguments, &args)
		if m.Target != "Count" || len(args) != 1 {
			return []hubs.Message{&hubs.Completion{
				InvocationID: m.InvocationID,
				Error:        hubs.String("unknown stream " + m.Target),
			}}
		}

		var out []hubs.Message
		for i := 0; i < args[0]; i++ {
			item, _ := json.Marshal(i)
			out = append(out, &hubs.StreamItem{InvocationID: m.InvocationID, Item: item})
		}
		return append(out, &hubs.Completion{InvocationID: m.InvocationID})
	}

	return nil
}
