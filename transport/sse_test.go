package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSSEWriter_Frames(t *testing.T) {
	rec := httptest.NewRecorder()
	w, ok := startSSE(rec)
	if !ok {
		t.Fatal("recorder should support flushing")
	}

	w.write(Event{Name: "change", ID: "7", Data: map[string]string{"id": "a"}})
	w.keepalive()

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content-type = %q, want text/event-stream", got)
	}
	want := "event: change\nid: 7\ndata: {\"id\":\"a\"}\n\n: keepalive\n\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestReadEvents(t *testing.T) {
	input := ": keepalive\n\n" +
		"event: subscription_created\nid: 1\ndata: {\"id\":\"s\"}\n\n" +
		": keepalive\n\n" +
		"event: change\ndata: {\"a\":1,\ndata: \"b\":2}\n\n" +
		"event: last\ndata: null\n\n"

	var got []Event
	err := ReadEvents(context.Background(), strings.NewReader(input), func(ev Event) bool {
		got = append(got, ev)
		return ev.Name != "change"
	})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2 (stop after change)", len(got))
	}
	if got[0].Name != "subscription_created" || got[0].ID != "1" {
		t.Errorf("first event = %+v", got[0])
	}

	var payload map[string]int
	if err := json.Unmarshal(got[1].Data.(json.RawMessage), &payload); err != nil {
		t.Fatalf("multi-line data did not join: %v", err)
	}
	if payload["a"] != 1 || payload["b"] != 2 {
		t.Errorf("payload = %v", payload)
	}
}
