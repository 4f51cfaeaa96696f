// ABOUTME: Frame writers for the assistant event stream
// ABOUTME: Used by the development backend and tests to produce wire-compatible output

package sse

import (
	"encoding/json"
	"fmt"
	"io"
)

type deltaPayload struct {
	Choices []deltaChoice `json:"choices"`
}

type deltaChoice struct {
	Delta delta `json:"delta"`
}

type delta struct {
	Content string `json:"content,omitempty"`
}

// WriteDelta writes one data frame carrying a content fragment.
func WriteDelta(w io.Writer, content string) error {
	payload, err := json.Marshal(deltaPayload{
		Choices: []deltaChoice{{Delta: delta{Content: content}}},
	})
	if err != nil {
		return fmt.Errorf("marshaling delta: %w", err)
	}
	return WriteRaw(w, string(payload))
}

// WriteRaw writes a data frame with an arbitrary payload, valid or not.
func WriteRaw(w io.Writer, payload string) error {
	if _, err := fmt.Fprintf(w, "%s %s\n\n", DataPrefix, payload); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// WriteDone writes the terminator frame.
func WriteDone(w io.Writer) error {
	return WriteRaw(w, Terminator)
}
