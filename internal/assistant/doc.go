// Package assistant opens streamed chat responses from the remote assistant service.
//
// A request is a JSON POST carrying the user message, the session id and the
// conversation context, authenticated with a bearer credential. The response
// body is a server-sent event stream that callers decode with package sse.
package assistant
