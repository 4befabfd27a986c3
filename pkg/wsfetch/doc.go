// Package wsfetch provides an http.RoundTripper that carries streaming
// Responses API calls over a single persistent WebSocket.
//
// A request is bridged when it is a POST to a URL whose path ends in
// "/responses" and its JSON body asks for a stream. The body, minus the
// stream flag, is sent as one "response.create" message on the shared
// socket and every inbound message is handed back as a server-sent event
// ("data: <message>\n\n"). A "response.completed" or "error" message ends
// the exchange and is followed by "data: [DONE]\n\n". Every other request
// is passed to the base transport untouched.
//
// The socket is established lazily, reused across exchanges while idle and
// serves one exchange at a time. A second exchange that arrives while the
// socket is busy fails with ErrConnectionBusy.
//
//	client := &http.Client{Transport: wsfetch.New()}
//	defer client.CloseIdleConnections()
package wsfetch
