package signalr_test

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"io/ioutil"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carterjones/signalrcore"
	"github.com/carterjones/signalrcore/hubs"
	"github.com/elazarl/goproxy"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

func red(s string) string {
	return "\033[31m" + s + "\033[39m"
}

func equals(tb testing.TB, id string, exp, act interface{}) {
	if !reflect.DeepEqual(exp, act) {
		_, file, line, _ := runtime.Caller(1)
		tb.Errorf(red("%s:%d %s: \n\texp: %#v\n\tgot: %#v\n"),
			filepath.Base(file), line, id, exp, act)
	}
}

func ok(tb testing.TB, id string, err error) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		tb.Errorf(red("%s:%d %s | unexpected error: %s\n"),
			filepath.Base(file), line, id, err.Error())
	}
}

func notNil(tb testing.TB, id string, act interface{}) {
	if act == nil || reflect.ValueOf(act).IsNil() {
		_, file, line, _ := runtime.Caller(1)
		tb.Errorf(red("%s:%d (%s):\n\texp: a non-nil value\n\tgot: %#v\n"),
			filepath.Base(file), line, id, act)
	}
}

// Note: this is largely derived from
// https://github.com/golang/go/blob/1c69384da4fb4a1323e011941c101189247fea67/src/net/http/response_test.go#L915-L940
func errMatches(tb testing.TB, id string, err error, wantErr interface{}) {
	if err == nil {
		if wantErr == nil {
			return
		}

		if sub, ok := wantErr.(string); ok {
			tb.Errorf(red("%s | unexpected success; want error with substring %q"), id, sub)
			return
		}

		tb.Errorf(red("%s | unexpected success; want error %v"), id, wantErr)
		return
	}

	if wantErr == nil {
		tb.Errorf(red("%s | %v; want success"), id, err)
		return
	}

	if sub, ok := wantErr.(string); ok {
		if strings.Contains(err.Error(), sub) {
			return
		}
		tb.Errorf(red("%s | error = %v; want an error with substring %q"), id, err, sub)
		return
	}

	if err == wantErr || errors.Cause(err) == wantErr {
		return
	}

	tb.Errorf(red("%s | %v; want %v"), id, err, wantErr)
}

func hostFromServerURL(url string) (host string) {
	host = strings.TrimPrefix(url, "https://")
	host = strings.TrimPrefix(host, "http://")
	return
}

func newTestServer(fn http.HandlerFunc, tls bool) (ts *httptest.Server) {
	if tls {
		// Create the server.
		ts = httptest.NewTLSServer(fn)

		// Save the testing certificate to the TLS client config.
		//
		// I'm not sure why ts.TLS doesn't contain certificate
		// information. However, this seems to make the testing TLS
		// certificate be trusted by the client.
		ts.TLS.RootCAs = x509.NewCertPool()
		ts.TLS.RootCAs.AddCert(ts.Certificate())
	} else {
		// Create the server.
		ts = httptest.NewServer(fn)
	}

	return
}

func newTestClient(endpoint string, ts *httptest.Server) (c *signalr.Client) {
	// Prepare a SignalR client.
	c = signalr.New(hostFromServerURL(ts.URL), endpoint)
	c.HTTPClient = ts.Client()
	c.Proxy = nil
	c.RetryWaitDuration = 1 * time.Millisecond
	c.MaxNegotiateRetries = 2
	c.MaxConnectRetries = 2
	c.HandshakeTimeout = 2 * time.Second

	// Save the TLS config in case this is using TLS.
	if ts.TLS != nil {
		c.TLSClientConfig = ts.TLS
		c.Scheme = signalr.HTTPS
	} else {
		c.Scheme = signalr.HTTP
	}

	return
}

func upgrade(w http.ResponseWriter, r *http.Request) *websocket.Conn {
	upgrader := websocket.Upgrader{}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Panic(err)
	}
	return c
}

// respondToHandshake reads the handshake request and answers it with resp.
func respondToHandshake(messageType int, resp string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := upgrade(w, r)
		go func() {
			defer c.Close()
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
			if err := c.WriteMessage(messageType, []byte(resp)); err != nil {
				return
			}
			// Hold the socket open until the client goes away.
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

func writeString(s string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(s))
	}
}

func throw503Error(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("503 error"))
}

func throw404Error(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte("404 error"))
}

func TestClient_Negotiate(t *testing.T) {
	transports := []signalr.TransportDefinition{{
		Transport:       "WebSockets",
		TransferFormats: []string{"Text", "Binary"},
	}}

	cases := map[string]struct {
		fn       http.HandlerFunc
		TLS      bool
		expToken string
		expID    string
		expVer   int
		expTrans []signalr.TransportDefinition
		wantErr  string
	}{
		"successful http": {
			fn:       signalr.TestNegotiate,
			TLS:      false,
			expToken: "hello world",
			expID:    "1234-ABC",
			expVer:   1,
			expTrans: transports,
		},
		"successful https": {
			fn:       signalr.TestNegotiate,
			TLS:      true,
			expToken: "hello world",
			expID:    "1234-ABC",
			expVer:   1,
			expTrans: transports,
		},
		"version 0 response": {
			fn:       writeString(`{"connectionId":"abc","availableTransports":[]}`),
			TLS:      true,
			expToken: "abc",
			expID:    "abc",
			expTrans: []signalr.TransportDefinition{},
		},
		"503 error": {
			fn:      throw503Error,
			wantErr: "503 Service Unavailable",
		},
		"404 error": {
			fn:      throw404Error,
			wantErr: "request failed: 404 Not Found",
		},
		"invalid json": {
			fn:      writeString("invalid json"),
			wantErr: "json unmarshal failed: invalid character 'i' looking for beginning of value",
		},
		"refused by server": {
			fn:      writeString(`{"error":"Negotiate was rejected"}`),
			wantErr: "server refused negotiation: Negotiate was rejected",
		},
		"no token": {
			fn:      writeString(`{"negotiateVersion":1}`),
			wantErr: "negotiate response has no connection token",
		},
	}

	for id, tc := range cases {
		// Create a test server.
		ts := newTestServer(tc.fn, tc.TLS)
		defer ts.Close()

		// Create a test client.
		c := newTestClient("/chat", ts)

		// Perform the negotiation.
		err := c.Negotiate(context.Background())

		// Make sure the error matches the expected error.
		if tc.wantErr != "" {
			errMatches(t, id, err, tc.wantErr)
		} else {
			ok(t, id, err)
		}

		// Validate the things we expect.
		equals(t, id, tc.expToken, c.ConnectionToken)
		if tc.wantErr == "" {
			equals(t, id, tc.expID, c.ConnectionID)
			equals(t, id, tc.expVer, c.NegotiateVersion)
			equals(t, id, tc.expTrans, c.AvailableTransports)
		}
	}
}

func TestClient_Negotiate_request(t *testing.T) {
	var got *http.Request
	var body []byte
	ts := newTestServer(func(w http.ResponseWriter, r *http.Request) {
		got = r
		body, _ = ioutil.ReadAll(r.Body)
		signalr.TestNegotiate(w, r)
	}, true)
	defer ts.Close()

	c := newTestClient("/chat", ts)
	c.Headers["X-Custom"] = "custom value"
	ok(t, "negotiate", c.Negotiate(context.Background()))

	equals(t, "method", http.MethodPost, got.Method)
	equals(t, "path", "/chat/negotiate", got.URL.Path)
	equals(t, "version", "1", got.URL.Query().Get("negotiateVersion"))
	equals(t, "content length", int64(0), got.ContentLength)
	equals(t, "body", 0, len(body))
	equals(t, "header", "custom value", got.Header.Get("X-Custom"))
}

func TestClient_Negotiate_retry(t *testing.T) {
	var attempts int32
	ts := newTestServer(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			throw503Error(w, r)
			return
		}
		signalr.TestNegotiate(w, r)
	}, true)
	defer ts.Close()

	c := newTestClient("/chat", ts)
	ok(t, "negotiate", c.Negotiate(context.Background()))
	equals(t, "attempts", int32(2), atomic.LoadInt32(&attempts))
	equals(t, "token", signalr.TestConnectionToken, c.ConnectionToken)
}

func TestClient_Negotiate_cancelled(t *testing.T) {
	ts := newTestServer(throw503Error, true)
	defer ts.Close()

	c := newTestClient("/chat", ts)
	c.RetryWaitDuration = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Negotiate(ctx)
	errMatches(t, "cancelled", err, "negotiate interrupted")
}

func TestClient_Connect(t *testing.T) {
	cases := map[string]struct {
		fn      http.HandlerFunc
		TLS     bool
		token   string
		wantErr string
	}{
		"successful https connect": {
			fn:    signalr.TestConnect,
			TLS:   true,
			token: signalr.TestConnectionToken,
		},
		"successful http connect": {
			fn:    signalr.TestConnect,
			TLS:   false,
			token: signalr.TestConnectionToken,
		},
		"no token": {
			fn:      signalr.TestConnect,
			TLS:     true,
			wantErr: "connect: connection token not set",
		},
		"unknown token": {
			fn:      signalr.TestConnect,
			TLS:     true,
			token:   "someone else",
			wantErr: "xconnect failed: 404 Not Found, retry 0: websocket: bad handshake",
		},
		"service not available": {
			fn:      throw503Error,
			TLS:     true,
			token:   signalr.TestConnectionToken,
			wantErr: websocket.ErrBadHandshake.Error(),
		},
	}

	for id, tc := range cases {
		ts := newTestServer(tc.fn, tc.TLS)
		defer ts.Close()

		// Prepare a new client.
		c := newTestClient("/chat", ts)
		c.ConnectionToken = tc.token

		// Perform the connection.
		conn, err := c.Connect(context.Background())

		if tc.wantErr != "" {
			errMatches(t, id, err, tc.wantErr)
			continue
		}

		ok(t, id, err)
		notNil(t, id, conn)
		if conn != nil {
			conn.Close()
		}
	}
}

func TestClient_Start(t *testing.T) {
	cases := map[string]struct {
		skipConnect bool
		connectFn   http.HandlerFunc
		wantErr     string
		wantReason  string
	}{
		"successful start": {
			connectFn: signalr.TestConnect,
		},
		"nil connection": {
			skipConnect: true,
			wantErr:     "connection is nil",
		},
		"rejected by server": {
			connectFn:  respondToHandshake(websocket.TextMessage, "{\"error\":\"bad version\"}\x1e"),
			wantErr:    "handshake failed: bad version",
			wantReason: "bad version",
		},
		"non-text response": {
			connectFn: respondToHandshake(websocket.BinaryMessage, "{}\x1e"),
			wantErr:   "handshake failed",
		},
		"invalid json response": {
			connectFn: respondToHandshake(websocket.TextMessage, "invalid json\x1e"),
			wantErr:   "handshake failed",
		},
		"server hangs up": {
			connectFn: func(w http.ResponseWriter, r *http.Request) {
				c := upgrade(w, r)
				c.Close()
			},
			wantErr: "handshake failed: ",
		},
	}

	for id, tc := range cases {
		ts := newTestServer(func(w http.ResponseWriter, r *http.Request) {
			tc.connectFn(w, r)
		}, true)
		defer ts.Close()

		c := newTestClient("/chat", ts)
		c.ConnectionToken = signalr.TestConnectionToken

		// Perform the connection.
		var conn signalr.WebsocketConn
		if !tc.skipConnect {
			wsConn, err := c.Connect(context.Background())
			if err != nil {
				// If this fails, it is not part of the test, so we
				// panic here.
				log.Panic(err)
			}
			conn = wsConn
		}

		hc, err := c.Start(context.Background(), conn)
		if tc.wantErr != "" {
			errMatches(t, id, err, tc.wantErr)
			if tc.wantReason != "" {
				var herr *signalr.HandshakeError
				if errors.As(err, &herr) {
					equals(t, id, tc.wantReason, herr.Reason)
				} else {
					t.Errorf(red("%s | %v is not a *HandshakeError"), id, err)
				}
			}
			continue
		}

		ok(t, id, err)
		notNil(t, id, hc)
		equals(t, id, signalr.TestConnectionToken, hc.ConnectionToken())
		ok(t, id, hc.Close())
	}
}

func TestClient_Start_leftover(t *testing.T) {
	// The handshake response and the first hub message share a frame.
	resp := "{}\x1e" + `{"type":1,"target":"ReceiveMessage","arguments":["early"]}` + "\x1e"
	ts := newTestServer(respondToHandshake(websocket.TextMessage, resp), true)
	defer ts.Close()

	c := newTestClient("/chat", ts)
	c.ConnectionToken = signalr.TestConnectionToken

	received := make(chan json.RawMessage, 1)
	c.On("ReceiveMessage", signalr.HandlerFunc(func(args json.RawMessage) (interface{}, error) {
		received <- args
		return nil, nil
	}))

	conn, err := c.Connect(context.Background())
	ok(t, "connect", err)

	hc, err := c.Start(context.Background(), conn)
	ok(t, "start", err)
	defer hc.Close()

	select {
	case args := <-received:
		equals(t, "arguments", `["early"]`, string(args))
	case <-time.After(2 * time.Second):
		t.Error(red("timeout waiting for the message that followed the handshake"))
	}
}

func TestClient_Run(t *testing.T) {
	cases := map[string]struct {
		fn      http.HandlerFunc
		wantErr string
	}{
		"successful run": {
			fn: signalr.TestCompleteHandler,
		},
		"failed negotiate": {
			fn:      writeString("invalid json"),
			wantErr: "negotiate failed: json unmarshal failed",
		},
		"failed connect": {
			fn: func(w http.ResponseWriter, r *http.Request) {
				if strings.HasSuffix(r.URL.Path, "/negotiate") {
					signalr.TestNegotiate(w, r)
					return
				}
				throw404Error(w, r)
			},
			wantErr: "connect failed: xconnect failed: 404 Not Found",
		},
		"failed start": {
			fn: func(w http.ResponseWriter, r *http.Request) {
				if strings.HasSuffix(r.URL.Path, "/negotiate") {
					signalr.TestNegotiate(w, r)
					return
				}
				respondToHandshake(websocket.TextMessage, "{\"error\":\"bad version\"}\x1e")(w, r)
			},
			wantErr: "start failed: handshake failed: bad version",
		},
	}

	for id, tc := range cases {
		ts := newTestServer(tc.fn, true)
		defer ts.Close()

		c := newTestClient("/chat", ts)
		hc, err := c.Run(context.Background())

		if tc.wantErr != "" {
			errMatches(t, id, err, tc.wantErr)
			continue
		}

		ok(t, id, err)
		ok(t, id, hc.Close())
	}
}

// runTestHub starts a connection to the test hub.
func runTestHub(t *testing.T) (*signalr.Connection, func()) {
	ts := newTestServer(signalr.TestCompleteHandler, true)

	c := newTestClient("/chat", ts)
	hc, err := c.Run(context.Background())
	if err != nil {
		ts.Close()
		t.Fatal(err)
	}

	return hc, func() {
		hc.Close()
		ts.Close()
	}
}

func TestConnection_Invoke(t *testing.T) {
	cases := map[string]struct {
		target  string
		args    []interface{}
		exp     string
		wantErr string
	}{
		"echo string": {
			target: "Echo",
			args:   []interface{}{"hello"},
			exp:    `"hello"`,
		},
		"echo object": {
			target: "Echo",
			args:   []interface{}{map[string]int{"a": 1}},
			exp:    `{"a":1}`,
		},
		"echo nothing": {
			target: "Echo",
		},
		"hub error": {
			target:  "Fail",
			wantErr: "failed: test failure",
		},
		"unknown method": {
			target:  "Nope",
			wantErr: "unknown method Nope",
		},
		"no target": {
			wantErr: signalr.ErrNoTarget.Error(),
		},
	}

	hc, cleanup := runTestHub(t)
	defer cleanup()

	for id, tc := range cases {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		res, err := hc.Invoke(ctx, tc.target, tc.args...)
		cancel()

		if tc.wantErr != "" {
			errMatches(t, id, err, tc.wantErr)
			continue
		}
		ok(t, id, err)
		equals(t, id, tc.exp, string(res))
	}

	// Completion errors carry the invocation id.
	_, err := hc.Invoke(context.Background(), "Fail")
	var ierr *signalr.InvocationError
	if !errors.As(err, &ierr) {
		t.Fatalf(red("%v is not an *InvocationError"), err)
	}
	equals(t, "message", "test failure", ierr.Message)
	equals(t, "has invocation id", true, ierr.InvocationID != "")
}

func TestConnection_ReceiveMessage(t *testing.T) {
	ts := newTestServer(signalr.TestCompleteHandler, true)
	defer ts.Close()

	c := newTestClient("/chat", ts)

	received := make(chan []interface{}, 1)
	c.On("ReceiveMessage", signalr.HandlerFunc(func(args json.RawMessage) (interface{}, error) {
		var v []interface{}
		err := json.Unmarshal(args, &v)
		received <- v
		return nil, err
	}))

	hc, err := c.Run(context.Background())
	ok(t, "run", err)
	defer hc.Close()

	_, err = hc.Invoke(context.Background(), "Broadcast", "user", "hello there")
	ok(t, "broadcast", err)

	select {
	case v := <-received:
		equals(t, "arguments", []interface{}{"user", "hello there"}, v)
	case <-time.After(2 * time.Second):
		t.Error(red("timeout waiting for ReceiveMessage"))
	}
}

func TestConnection_Send(t *testing.T) {
	hc, cleanup := runTestHub(t)
	defer cleanup()

	// A fire-and-forget invocation gets no completion.
	args, err := hubs.Args("ignored")
	ok(t, "args", err)
	ok(t, "send", hc.Send(context.Background(), &hubs.Invocation{Target: "Echo", Arguments: args}))

	// The connection is still usable afterwards.
	res, err := hc.Invoke(context.Background(), "Echo", 7)
	ok(t, "invoke", err)
	equals(t, "result", "7", string(res))

	errMatches(t, "nil message", hc.Send(context.Background(), nil), "send: nil message")
}

func TestConnection_Stream(t *testing.T) {
	hc, cleanup := runTestHub(t)
	defer cleanup()

	s, err := hc.Stream(context.Background(), "Count", 3)
	ok(t, "stream", err)
	notNil(t, "stream", s)

	var items []string
	timeout := time.After(2 * time.Second)
loop:
	for {
		select {
		case item, open := <-s.Items():
			if !open {
				break loop
			}
			items = append(items, string(item))
		case <-timeout:
			t.Fatal(red("timeout waiting for stream items"))
		}
	}

	equals(t, "items", []string{"0", "1", "2"}, items)
	ok(t, "stream error", s.Err())

	s, err = hc.Stream(context.Background(), "Nope")
	ok(t, "unknown stream", err)
	for range s.Items() {
	}
	errMatches(t, "unknown stream", s.Err(), "unknown stream Nope")
}

func TestConnection_serverClose(t *testing.T) {
	hc, cleanup := runTestHub(t)
	defer cleanup()

	// The hub answers Close with a Close message and no completion.
	_, err := hc.Invoke(context.Background(), "Close")
	var cerr *signalr.ServerCloseError
	if !errors.As(err, &cerr) {
		t.Fatalf(red("%v is not a *ServerCloseError"), err)
	}
	equals(t, "reason", "test close", cerr.Reason)

	select {
	case <-hc.Done():
	case <-time.After(3 * time.Second):
		t.Fatal(red("timeout waiting for the connection to stop"))
	}
	errMatches(t, "err", hc.Err(), "server closed the connection: test close")

	_, err = hc.Invoke(context.Background(), "Echo", 1)
	errMatches(t, "after close", err, signalr.ErrConnectionClosed)
}

func TestConnection_Close(t *testing.T) {
	hc, cleanup := runTestHub(t)
	defer cleanup()

	ok(t, "close", hc.Close())
	ok(t, "err", hc.Err())

	err := hc.Send(context.Background(), &hubs.Ping{})
	errMatches(t, "send after close", err, signalr.ErrConnectionClosed)

	// Closing twice is harmless.
	ok(t, "close again", hc.Close())
}

func TestConnection_contextCancel(t *testing.T) {
	ts := newTestServer(signalr.TestCompleteHandler, true)
	defer ts.Close()

	c := newTestClient("/chat", ts)

	ctx, cancel := context.WithCancel(context.Background())
	hc, err := c.Run(ctx)
	ok(t, "run", err)

	cancel()
	select {
	case <-hc.Done():
	case <-time.After(3 * time.Second):
		t.Fatal(red("timeout waiting for the connection to stop"))
	}
	ok(t, "err", hc.Err())
}

func TestClient_proxy(t *testing.T) {
	var connects int32
	proxy := goproxy.NewProxyHttpServer()
	proxy.OnRequest().HandleConnectFunc(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		atomic.AddInt32(&connects, 1)
		return goproxy.OkConnect, host
	})
	ps := httptest.NewServer(proxy)
	defer ps.Close()

	proxyURL, err := url.Parse(ps.URL)
	ok(t, "proxy url", err)

	ts := newTestServer(signalr.TestCompleteHandler, false)
	defer ts.Close()

	c := newTestClient("/chat", ts)
	c.Proxy = http.ProxyURL(proxyURL)

	hc, err := c.Run(context.Background())
	ok(t, "run", err)
	if err != nil {
		return
	}
	defer hc.Close()

	res, err := hc.Invoke(context.Background(), "Echo", "through the proxy")
	ok(t, "invoke", err)
	equals(t, "result", `"through the proxy"`, string(res))
	equals(t, "proxied connects", int32(1), atomic.LoadInt32(&connects))
}

func TestNew(t *testing.T) {
	// Define parameter values.
	host := "test-host"
	endpoint := "/test-endpoint"

	// Create the client.
	c := signalr.New(host, endpoint)

	// Validate values were set up properly.
	equals(t, "host", host, c.Host)
	equals(t, "endpoint", endpoint, c.Endpoint)
	notNil(t, "http client", c.HTTPClient)
	notNil(t, "cookie jar", c.HTTPClient.Jar)
	notNil(t, "logger", c.Logger)
	equals(t, "scheme", signalr.HTTPS, c.Scheme)
	equals(t, "max negotiate retries", 5, c.MaxNegotiateRetries)
	equals(t, "max connect retries", 5, c.MaxConnectRetries)
	equals(t, "retry wait duration", 1*time.Minute, c.RetryWaitDuration)
	equals(t, "handshake timeout", 15*time.Second, c.HandshakeTimeout)
	equals(t, "keep alive", 2*time.Second, c.KeepAliveInterval)
	equals(t, "inbound queue", 64, c.InboundQueueSize)
	equals(t, "outbound queue", 64, c.OutboundQueueSize)
	equals(t, "overflow policy", signalr.OverflowReject, c.OverflowPolicy)
	equals(t, "stream buffer", 16, c.StreamBufferSize)
	equals(t, "headers", map[string]string{}, c.Headers)
}
