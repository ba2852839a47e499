package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// sseWriter frames events onto a held-open HTTP response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// startSSE writes the event-stream headers and flushes them so the client
// sees the connection established.
func startSSE(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseWriter{w: w, flusher: flusher}, true
}

// write emits one frame: event, id and data lines closed by a blank line.
// A comment-only event becomes a ": comment" line.
func (s *sseWriter) write(ev Event) error {
	var buf bytes.Buffer
	if ev.Name == "" && ev.Data == nil {
		comment := ev.Comment
		if comment == "" {
			comment = "keepalive"
		}
		fmt.Fprintf(&buf, ": %s\n\n", comment)
	} else {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", ev.Name, err)
		}
		if ev.Name != "" {
			fmt.Fprintf(&buf, "event: %s\n", ev.Name)
		}
		if ev.ID != "" {
			fmt.Fprintf(&buf, "id: %s\n", ev.ID)
		}
		fmt.Fprintf(&buf, "data: %s\n\n", data)
	}

	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) keepalive() error {
	return s.write(Event{Comment: "keepalive"})
}

// --- Client-side SSE support ---

// ReadEvents parses an event stream from r and calls fn for each frame,
// with Data holding the raw JSON payload. Comment lines are skipped.
// It returns nil when fn returns false or the stream ends cleanly.
func ReadEvents(ctx context.Context, r io.Reader, fn func(Event) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), DefaultMaxMessageSize)

	var (
		ev   Event
		data bytes.Buffer
	)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Text()
		switch {
		case line == "":
			if ev.Name == "" && data.Len() == 0 {
				continue
			}
			if data.Len() > 0 {
				ev.Data = json.RawMessage(append([]byte(nil), data.Bytes()...))
			}
			if !fn(ev) {
				return nil
			}
			ev = Event{}
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "id:"):
			ev.ID = strings.TrimSpace(line[len("id:"):])
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(line[len("data:"):], " "))
		}
	}
	return scanner.Err()
}
