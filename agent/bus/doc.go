/*
Package bus is a small request/response message bus over WebSockets, JSON-encoded with wsjson.

Each WebSocket connection is one requester. The server gives it a random identity (its Sender) when it connects,
and every message read from the connection is stamped with that identity before being handed to the handler.
Responses are routed back to the sender by identity and correlated with the request by its Tag.

The protocol proceeds as follows:

 1. The client opens a WebSocket connection with the server.
 2. The client sends Message frames, each with a topic, a tag chosen by the client, and an optional payload.
    A tag of zero means no response is wanted.
 3. The server sends zero or more Response frames for each tagged message. A Response with a non-zero Errnum
    ends the stream for its tag; single-response requests end after their first frame.
 4. When the connection ends for any reason, the server reports the sender as disconnected.

Responses are queued per connection, so responding never blocks on the network.
*/
package bus
