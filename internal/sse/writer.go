// ABOUTME: Encodes frames in the server-sent event wire format.
// ABOUTME: Multi-line payloads are split across data lines so they round-trip through Decoder.

package sse

import (
	"fmt"
	"io"
	"strings"
)

// Write encodes f onto w, terminated by the blank delimiter line.
func Write(w io.Writer, f Frame) error {
	var b strings.Builder
	if f.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", f.ID)
	}
	if f.Event != "" {
		fmt.Fprintf(&b, "event: %s\n", f.Event)
	}
	for _, line := range strings.Split(f.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("writing event frame: %w", err)
	}
	return nil
}

// WriteComment writes a comment line, used as a keep-alive.
func WriteComment(w io.Writer, text string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("writing keep-alive: %w", err)
	}
	return nil
}
