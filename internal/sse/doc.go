// Package sse decodes the assistant service's framed response stream.
//
// The stream is a sequence of newline separated records. Records that start
// with "data:" carry a JSON payload of the shape
//
//	{"choices":[{"delta":{"content":"..."}}]}
//
// and the stream closes with a "data: [DONE]" record. Chunks may be split at
// any byte boundary; the Decoder carries the incomplete tail of one chunk over
// to the next, so the concatenated content is the same however the bytes
// arrive. Malformed payloads are logged and skipped.
//
// Decode wraps the Decoder around an io.Reader and exposes the fragments as an
// iter.Seq2:
//
//	for ev, err := range sse.Decode(ctx, resp.Body, logger) {
//		if err != nil {
//			return err
//		}
//		fmt.Print(ev.Content)
//	}
package sse
