// ABOUTME: Incremental decoder for the assistant's framed event stream
// ABOUTME: Reassembles records split across chunks and extracts delta content fragments

package sse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

const (
	// DataPrefix marks a record that carries a payload.
	DataPrefix = "data:"

	// Terminator is the payload of the frame that closes the stream.
	Terminator = "[DONE]"

	// ContentPath locates the text fragment inside a decoded payload.
	ContentPath = "choices.0.delta.content"

	readChunkSize = 4096
)

// ErrStreamInterrupted is yielded when the underlying reader fails before the
// terminator or natural end of stream.
var ErrStreamInterrupted = errors.New("stream interrupted")

// Event is one decoded content fragment.
type Event struct {
	Content string
}

// Decoder turns arbitrarily split chunks into content events. It keeps a
// single carry-over buffer holding the trailing incomplete record.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf     []byte
	done    bool
	dropped int
	logger  *slog.Logger
}

// NewDecoder creates a decoder. Pass nil logger for default.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		logger: logger.With("component", "sse"),
	}
}

// Done reports whether the terminator frame has been seen.
func (d *Decoder) Done() bool {
	return d.done
}

// Dropped returns how many malformed frames were skipped.
func (d *Decoder) Dropped() int {
	return d.dropped
}

// Feed appends a chunk to the buffer and returns the events for every record
// completed by it. Input after the terminator is ignored.
func (d *Decoder) Feed(chunk []byte) []Event {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var events []Event
	for !d.done {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		record := d.buf[:idx]
		if ev, ok := d.decodeRecord(record); ok {
			events = append(events, ev)
		}
		d.buf = d.buf[idx+1:]
	}

	if d.done {
		d.buf = nil
	} else if len(d.buf) == 0 {
		// Drop the backing array once fully consumed so it doesn't grow forever.
		d.buf = nil
	}
	return events
}

// Flush decodes a trailing record that never received its separator. It is
// called once the transport reports end of stream.
func (d *Decoder) Flush() []Event {
	if d.done || len(d.buf) == 0 {
		d.buf = nil
		return nil
	}
	record := d.buf
	d.buf = nil
	if ev, ok := d.decodeRecord(record); ok {
		return []Event{ev}
	}
	return nil
}

// decodeRecord handles a single record. Only data records matter; the
// terminator closes the decoder without producing an event.
func (d *Decoder) decodeRecord(record []byte) (Event, bool) {
	record = bytes.TrimSuffix(record, []byte{'\r'})
	if !bytes.HasPrefix(record, []byte(DataPrefix)) {
		return Event{}, false
	}

	payload := bytes.TrimPrefix(record[len(DataPrefix):], []byte{' '})
	if string(payload) == Terminator {
		d.done = true
		return Event{}, false
	}

	if !gjson.ValidBytes(payload) {
		d.dropped++
		d.logger.Warn("dropping malformed frame", "payload", truncate(string(payload), 120))
		return Event{}, false
	}

	content := gjson.GetBytes(payload, ContentPath)
	if content.Type != gjson.String || content.Str == "" {
		return Event{}, false
	}
	return Event{Content: content.Str}, true
}

// Decode reads r until the terminator or EOF and yields each content event in
// order. Read failures and context cancellation yield a single error wrapping
// ErrStreamInterrupted, after which iteration stops.
func Decode(ctx context.Context, r io.Reader, logger *slog.Logger) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		dec := NewDecoder(logger)
		chunk := make([]byte, readChunkSize)

		for {
			if err := ctx.Err(); err != nil {
				yield(Event{}, fmt.Errorf("%w: %w", ErrStreamInterrupted, err))
				return
			}

			n, err := r.Read(chunk)
			if n > 0 {
				for _, ev := range dec.Feed(chunk[:n]) {
					if !yield(ev, nil) {
						return
					}
				}
				if dec.Done() {
					return
				}
			}

			if errors.Is(err, io.EOF) {
				for _, ev := range dec.Flush() {
					if !yield(ev, nil) {
						return
					}
				}
				if !dec.Done() {
					dec.logger.Debug("stream ended without terminator")
				}
				return
			}
			if err != nil {
				yield(Event{}, fmt.Errorf("%w: %w", ErrStreamInterrupted, err))
				return
			}
		}
	}
}

// truncate shortens s to at most maxLen bytes without splitting a UTF-8 sequence.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
