/*
Package signalr provides the client side implementation of the WebSocket
transport of the ASP.NET Core SignalR hub protocol, using the JSON hub
protocol.

At a high level, a connection goes through the following steps:

  - negotiate: POST to {endpoint}/negotiate to obtain a connection token
  - connect: open the websocket at {endpoint}?id={token}
  - handshake: send {"protocol":"json","version":1} and wait for the
    server's empty response
  - run: exchange hub messages until either side closes

Client.Run performs all of these steps. Negotiate, Connect and Start can be
called one by one instead.

Every hub message on the wire is a JSON object terminated by the record
separator 0x1E. The message types and their encoding live in the hubs
package.

A running Connection is made of four goroutines. The reader decodes frames
onto a bounded inbound queue. The dispatcher hands server invocations to the
handlers registered with Client.On and routes completions and stream items to
the calls made with Connection.Invoke and Connection.Stream. The writer drains
a bounded outbound queue onto the socket, and the heartbeat queues a Ping
whenever nothing else has been written for Client.KeepAliveInterval. When the
outbound queue is full, Client.OverflowPolicy decides whether Send fails,
drops the message, or blocks.

See the provided examples for how to use this library.
*/
package signalr
