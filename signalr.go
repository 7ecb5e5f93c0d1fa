package signalr

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	scraper "github.com/carterjones/go-cloudflare-scraper"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MessageReader is the interface that wraps ReadMessage.
//
// ReadMessage is defined at
// https://godoc.org/github.com/gorilla/websocket#Conn.ReadMessage
//
// At a high level, it reads messages and returns:
//   - the type of message read
//   - the bytes that were read
//   - any errors encountered during reading the message
type MessageReader interface {
	ReadMessage() (messageType int, p []byte, err error)
}

// MessageWriter is the interface that wraps WriteMessage.
//
// WriteMessage is defined at
// https://godoc.org/github.com/gorilla/websocket#Conn.WriteMessage
type MessageWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// WebsocketConn is a combination of MessageReader and MessageWriter that can
// be closed. A *websocket.Conn satisfies it. Once a connection is running, the
// reader half is used by exactly one goroutine and the writer half by exactly
// one other.
type WebsocketConn interface {
	MessageReader
	MessageWriter
	Close() error
}

// Scheme represents a type of transport scheme. For the purposes of this
// project, we only provide constants for schemes relevant to HTTP and
// websockets.
type Scheme string

const (
	// HTTPS is the literal string, "https".
	HTTPS Scheme = "https"

	// HTTP is the literal string, "http".
	HTTP Scheme = "http"

	// WSS is the literal string, "wss".
	WSS Scheme = "wss"

	// WS is the literal string, "ws".
	WS Scheme = "ws"
)

// TransportDefinition describes one transport offered during negotiation.
type TransportDefinition struct {
	Transport       string   `json:"transport"`
	TransferFormats []string `json:"transferFormats"`
}

// Client represents a SignalR client. It negotiates with the hub, opens the
// websocket, performs the protocol handshake, and hands back a running
// Connection.
type Client struct {
	// The host providing the SignalR service.
	Host string

	// The path of the hub, e.g. "/chat".
	Endpoint string

	// The HTTPClient used for the negotiate request.
	HTTPClient *http.Client

	// An optional setting to provide a non-default TLS configuration to use
	// when connecting to the websocket.
	TLSClientConfig *tls.Config

	// Proxy selects the proxy used when dialing the websocket. A nil value
	// disables proxying.
	Proxy func(*http.Request) (*url.URL, error)

	// Either HTTPS or HTTP.
	Scheme Scheme

	// The maximum number of times to re-attempt a negotiation.
	MaxNegotiateRetries int

	// The maximum number of times to re-attempt a connection.
	MaxConnectRetries int

	// The time to wait before retrying, in the event that an error occurs
	// when contacting the SignalR service.
	RetryWaitDuration time.Duration

	// How long to wait for the server's handshake response.
	HandshakeTimeout time.Duration

	// How long the outbound side may stay idle before a Ping is sent. Zero
	// disables the heartbeat.
	KeepAliveInterval time.Duration

	// Capacity of the queue between the socket reader and the dispatcher.
	InboundQueueSize int

	// Capacity of the queue feeding the socket writer.
	OutboundQueueSize int

	// What Send does when the outbound queue is full.
	OverflowPolicy OverflowPolicy

	// Capacity of the item channel of each Stream.
	StreamBufferSize int

	// Largest message, in bytes, accepted from the server, either as one
	// websocket frame or as bytes buffered while waiting for a record
	// separator. Zero means unlimited.
	MaxMessageSize int64

	// Maximum rate of application messages written to the socket. Zero
	// means unlimited. Pings are never throttled.
	SendRateLimit rate.Limit

	// Burst allowed by SendRateLimit.
	SendBurst int

	// Logger receives diagnostics from negotiation and from every loop of
	// a running connection.
	Logger *zap.Logger

	// This is the connection token set during the negotiate phase of the
	// protocol and used to uniquely identify the connection to the server
	// in all subsequent phases of the connection.
	ConnectionToken string

	// This is the ID of the connection. It is set during the negotiate
	// phase and then ignored by all subsequent steps.
	ConnectionID string

	// The negotiate protocol version reported by the server.
	NegotiateVersion int

	// The transports reported by the server during negotiation.
	AvailableTransports []TransportDefinition

	// Header values that should be applied to all HTTP requests.
	Headers map[string]string

	// This value is not part of the SignalR protocol. If this value is set,
	// it will be attached to every log entry.
	CustomID string

	handlers map[string]Handler
}

func debugEnabled() bool {
	v := os.Getenv("DEBUG")
	return v != ""
}

func defaultLogger() *zap.Logger {
	if debugEnabled() {
		l, err := zap.NewDevelopment()
		if err == nil {
			return l
		}
	}
	return zap.NewNop()
}

func (c *Client) logger() *zap.Logger {
	l := c.Logger
	if l == nil {
		l = zap.NewNop()
	}
	if c.CustomID != "" {
		l = l.With(zap.String("client", c.CustomID))
	}
	return l
}

// Conditionally encrypt the traffic depending on the initial
// connection's encryption.
func setWebsocketURLScheme(u *url.URL, httpScheme Scheme) {
	if httpScheme == HTTPS {
		u.Scheme = string(WSS)
	} else {
		u.Scheme = string(WS)
	}
}

func makeURL(command string, c *Client) url.URL {
	var u url.URL

	// Set the host.
	u.Host = c.Host

	// Set the first part of the path.
	u.Path = c.Endpoint

	// Create parameters.
	params := url.Values{}

	switch command {
	case "negotiate":
		u.Scheme = string(c.Scheme)
		u.Path += "/negotiate"
		params.Set("negotiateVersion", "1")
	case "connect":
		setWebsocketURLScheme(&u, c.Scheme)
		params.Set("id", c.ConnectionToken)
	}

	// Set the parameters.
	u.RawQuery = params.Encode()

	return u
}

func prepareRequest(ctx context.Context, url string, headers map[string]string) (*http.Request, error) {
	// Make the POST request object. The negotiate request has no body,
	// which makes the client send "Content-Length: 0".
	req, err := http.NewRequest("POST", url, nil)
	if err != nil {
		err = errors.Wrap(err, "post request creation failed")
		return nil, err
	}
	req = req.WithContext(ctx)

	// Add all header values.
	for k, v := range headers {
		req.Header.Add(k, v)
	}

	return req, nil
}

func (c *Client) processNegotiateResponse(body io.ReadCloser) (err error) {
	defer func() {
		derr := body.Close()
		if derr != nil {
			if err != nil {
				err = errors.Wrapf(err, "error in defer")
				err = errors.Wrapf(err, derr.Error())
			} else {
				err = errors.Wrap(derr, "error in defer")
			}
		}
	}()

	var data []byte
	data, err = ioutil.ReadAll(body)
	if err != nil {
		return errors.Wrap(err, "read failed")
	}

	// Create a struct to allow parsing of the response object.
	parsed := struct {
		ConnectionToken     string                `json:"connectionToken"`
		ConnectionID        string                `json:"connectionId"`
		NegotiateVersion    int                   `json:"negotiateVersion"`
		AvailableTransports []TransportDefinition `json:"availableTransports"`
		Error               string                `json:"error"`
	}{}
	err = json.Unmarshal(data, &parsed)
	if err != nil {
		return errors.Wrap(err, "json unmarshal failed")
	}

	if parsed.Error != "" {
		return errors.Errorf("server refused negotiation: %s", parsed.Error)
	}

	// Servers speaking negotiate version 0 only hand out a connection ID,
	// which doubles as the token.
	token := parsed.ConnectionToken
	if token == "" {
		token = parsed.ConnectionID
	}
	if token == "" {
		return errors.New("negotiate response has no connection token")
	}

	c.ConnectionToken = token
	c.ConnectionID = parsed.ConnectionID
	c.NegotiateVersion = parsed.NegotiateVersion
	c.AvailableTransports = parsed.AvailableTransports

	return nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Negotiate implements the negotiate step of the SignalR connection sequence.
func (c *Client) Negotiate(ctx context.Context) error {
	log := c.logger()

	// Reset the connection token in case it has been set.
	c.ConnectionToken = ""

	// Make a "negotiate" URL.
	u := makeURL("negotiate", c)

	// Make a flag to use for indicating whether or not an error occurred.
	errOccurred := false

	err := errors.New("negotiate: no attempts were made")
	for i := 0; i < c.MaxNegotiateRetries; i++ {
		var req *http.Request
		req, err = prepareRequest(ctx, u.String(), c.Headers)
		if err != nil {
			return errors.Wrap(err, "request preparation failed")
		}

		// Perform the request.
		var resp *http.Response
		resp, err = c.HTTPClient.Do(req)
		if err != nil {
			return errors.Wrap(err, "request failed")
		}

		// Anything outside of 2xx is retried.
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			err = errors.Errorf("request failed: %s", resp.Status)
			_ = resp.Body.Close()
			log.Debug("negotiate: retrying", zap.String("status", resp.Status), zap.Int("attempt", i))
			errOccurred = true
			if serr := sleep(ctx, c.RetryWaitDuration); serr != nil {
				return errors.Wrap(serr, "negotiate interrupted")
			}
			continue
		}

		err = c.processNegotiateResponse(resp.Body)

		if errOccurred {
			// If an error occurred earlier, and yet we got here,
			// then we want to let the user know that the
			// negotiation successfully recovered.
			log.Debug("the negotiate retry was successful")
		}

		return err
	}

	if errOccurred {
		log.Debug("the negotiate retry was unsuccessful")
	}

	return err
}

// makeHeader builds the header for the websocket dial: the user's headers
// plus any cookies the negotiate request left at jarURL.
func makeHeader(c *Client, jarURL *url.URL) http.Header {
	header := make(http.Header, len(c.Headers)+1)
	for k, v := range c.Headers {
		header.Add(k, v)
	}

	if c.HTTPClient == nil || c.HTTPClient.Jar == nil {
		return header
	}

	var pairs []string
	for _, ck := range c.HTTPClient.Jar.Cookies(jarURL) {
		pairs = append(pairs, ck.Name+"="+ck.Value)
	}
	if len(pairs) > 0 {
		header.Add("Cookie", strings.Join(pairs, "; "))
	}

	return header
}

func (c *Client) xconnect(ctx context.Context, url string) (*websocket.Conn, error) {
	// Create a dialer that uses the supplied TLS client configuration.
	// Cookies are sent through the prepared header rather than a jar.
	dialer := &websocket.Dialer{
		Proxy:           c.Proxy,
		TLSClientConfig: c.TLSClientConfig,
	}

	// Cookies are scoped to the negotiate URL, which is where the
	// Cloudflare transport collected them.
	nu := makeURL("negotiate", c)
	header := makeHeader(c, &nu)

	// Perform the connection in a retry loop.
	var conn *websocket.Conn
	err := errors.New("connect: no attempts were made")
	for i := 0; i < c.MaxConnectRetries; i++ {
		var resp *http.Response
		conn, resp, err = dialer.DialContext(ctx, url, header)
		if err == nil {
			// If there was no error, break out of the retry loop.
			break
		}

		// Verify that a response accompanies the error.
		if resp == nil {
			err = errors.Wrapf(err, "empty response, retry %d", i)

			// If no response is set, then wait and retry.
			if serr := sleep(ctx, c.RetryWaitDuration); serr != nil {
				return nil, errors.Wrap(serr, "connect interrupted")
			}
			continue
		}

		// According to documentation at
		// https://godoc.org/github.com/gorilla/websocket#Dialer.Dial
		// ErrBadHandshake is the only error returned. Details reside in
		// the response, so that's how we process this error.
		err = errors.Wrapf(err, "%v, retry %d", resp.Status, i)

		// Handle any specific errors.
		switch resp.StatusCode {
		case http.StatusServiceUnavailable:
			// Wait and retry.
			if serr := sleep(ctx, c.RetryWaitDuration); serr != nil {
				return nil, errors.Wrap(serr, "connect interrupted")
			}
			continue
		default:
			// Return in the event that no specific error was
			// encountered.
			return nil, err
		}
	}

	return conn, err
}

// Connect opens the websocket to the hub using the connection token obtained
// by Negotiate.
func (c *Client) Connect(ctx context.Context) (*websocket.Conn, error) {
	// Example connect URL:
	// wss://example.com/chat?id=<token>

	if c.ConnectionToken == "" {
		return nil, errors.New("connect: connection token not set")
	}

	// Create the URL.
	u := makeURL("connect", c)

	// Perform the connection.
	conn, err := c.xconnect(ctx, u.String())
	if err != nil {
		err = errors.Wrap(err, "xconnect failed")
		return nil, err
	}

	return conn, nil
}

// On registers h as the handler of invocations of target sent by the server.
// Handlers registered after Start do not affect running connections.
func (c *Client) On(target string, h Handler) {
	if c.handlers == nil {
		c.handlers = make(map[string]Handler)
	}
	c.handlers[target] = h
}

// Start performs the protocol handshake on conn and, if it succeeds, starts
// the connection loops. The connection stops when ctx is cancelled. On
// failure conn is closed.
func (c *Client) Start(ctx context.Context, conn WebsocketConn) (*Connection, error) {
	if conn == nil {
		return nil, errors.New("connection is nil")
	}

	if rl, ok := conn.(readLimiter); ok && c.MaxMessageSize > 0 {
		rl.SetReadLimit(c.MaxMessageSize)
	}

	leftover, err := c.Handshake(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return newConnection(ctx, c, conn, leftover), nil
}

// Run negotiates with the hub, connects to it, and performs the handshake. It
// returns the running connection.
func (c *Client) Run(ctx context.Context) (*Connection, error) {
	err := c.Negotiate(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "negotiate failed")
	}

	conn, err := c.Connect(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "connect failed")
	}

	hc, err := c.Start(ctx, conn)
	if err != nil {
		return nil, errors.Wrap(err, "start failed")
	}

	return hc, nil
}

// New creates and initializes a SignalR client for the hub at
// host+endpoint.
func New(host, endpoint string) *Client {
	// Create an HTTP client that supports CloudFlare-protected sites by
	// default.
	cfTransport := scraper.NewTransport(http.DefaultTransport)
	httpClient := &http.Client{
		Transport: cfTransport,
		Jar:       cfTransport.Cookies,
	}

	return &Client{
		Host:                host,
		Endpoint:            endpoint,
		HTTPClient:          httpClient,
		Proxy:               http.ProxyFromEnvironment,
		Headers:             make(map[string]string),
		Scheme:              HTTPS,
		MaxNegotiateRetries: 5,
		MaxConnectRetries:   5,
		RetryWaitDuration:   1 * time.Minute,
		HandshakeTimeout:    15 * time.Second,
		KeepAliveInterval:   2 * time.Second,
		InboundQueueSize:    64,
		OutboundQueueSize:   64,
		OverflowPolicy:      OverflowReject,
		StreamBufferSize:    16,
		MaxMessageSize:      1 << 20,
		Logger:              defaultLogger(),
		handlers:            make(map[string]Handler),
	}
}
