package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	rpcerrors "github.com/vinayprograms/docrpc/errors"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name         string
		data         string
		wantCode     int
		wantID       string
		notification bool
	}{
		{name: "request", data: `{"jsonrpc":"2.0","id":1,"method":"test","params":{"foo":"bar"}}`, wantID: "1"},
		{name: "string id", data: `{"jsonrpc":"2.0","id":"abc","method":"test"}`, wantID: `"abc"`},
		{name: "notification", data: `{"jsonrpc":"2.0","method":"notify"}`, notification: true},
		{name: "null id is a notification", data: `{"jsonrpc":"2.0","id":null,"method":"notify"}`, wantID: "null", notification: true},
		{name: "invalid json", data: `{invalid json}`, wantCode: ParseError},
		{name: "wrong version", data: `{"jsonrpc":"1.0","id":7,"method":"test"}`, wantCode: InvalidRequest, wantID: "7"},
		{name: "missing method", data: `{"jsonrpc":"2.0","id":2}`, wantCode: InvalidRequest, wantID: "2"},
		{name: "method not a string", data: `{"jsonrpc":"2.0","id":3,"method":5}`, wantCode: InvalidRequest, wantID: "3"},
		{name: "batch", data: `[{"jsonrpc":"2.0","id":1,"method":"a"}]`, wantCode: InvalidRequest},
		{name: "object id", data: `{"jsonrpc":"2.0","id":{"x":1},"method":"test"}`, wantCode: InvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rpcErr := ParseRequest([]byte(tt.data))
			if tt.wantCode != 0 {
				if rpcErr == nil {
					t.Fatalf("expected error code %d", tt.wantCode)
				}
				if rpcErr.Code != tt.wantCode {
					t.Errorf("code = %d, want %d", rpcErr.Code, tt.wantCode)
				}
			} else if rpcErr != nil {
				t.Fatalf("unexpected error: %v", rpcErr)
			}
			if req == nil {
				if tt.wantID != "" {
					t.Fatalf("request is nil, want id %s", tt.wantID)
				}
				return
			}
			if string(req.ID) != tt.wantID {
				t.Errorf("id = %s, want %s", req.ID, tt.wantID)
			}
			if tt.wantCode == 0 && req.IsNotification() != tt.notification {
				t.Errorf("IsNotification = %v, want %v", req.IsNotification(), tt.notification)
			}
		})
	}
}

func TestResponse_MarshalNilResult(t *testing.T) {
	data, err := json.Marshal(NewResponse(json.RawMessage("4"), nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"jsonrpc":"2.0","result":null,"id":4}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestResponse_MarshalErrorWithoutID(t *testing.T) {
	data, err := json.Marshal(NewErrorResponse(nil, NewError(ParseError, "Parse error", nil)))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Contains(data, []byte(`"id":null`)) {
		t.Errorf("expected null id: %s", data)
	}
	if bytes.Contains(data, []byte(`"result"`)) {
		t.Errorf("error response must not carry result: %s", data)
	}
}

func TestMarshalOutbound(t *testing.T) {
	resp, err := MarshalOutbound(&OutboundMessage{
		Response: NewResponse(json.RawMessage("1"), map[string]string{"status": "ok"}),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Contains(resp, []byte(`"result"`)) {
		t.Errorf("expected result in output: %s", resp)
	}

	notif, err := MarshalOutbound(&OutboundMessage{
		Notification: &Notification{JSONRPC: Version, Method: "event", Params: map[string]string{"type": "update"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Contains(notif, []byte(`"method":"event"`)) {
		t.Errorf("expected method in output: %s", notif)
	}

	if _, err := MarshalOutbound(&OutboundMessage{}); err == nil {
		t.Error("expected error for empty message")
	}
}

func TestErrorFrom(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
		wantData map[string]interface{}
	}{
		{
			name:     "wire error passes through",
			err:      NewError(MethodNotFound, "Method not found", "nope"),
			wantCode: MethodNotFound,
			wantMsg:  "Method not found",
		},
		{
			name:     "not found",
			err:      rpcerrors.NotFound("document 9 not found"),
			wantCode: rpcerrors.RPCResourceNotFound,
			wantMsg:  "document 9 not found",
			wantData: map[string]interface{}{"error": "NOT_FOUND"},
		},
		{
			name:     "wrapped typed error",
			err:      fmt.Errorf("handler: %w", rpcerrors.Filter("bad where")),
			wantCode: rpcerrors.RPCFilterError,
			wantMsg:  "bad where",
		},
		{
			name:     "internal hides cause",
			err:      rpcerrors.Internal("lookup failed", rpcerrors.WithCause(fmt.Errorf("dial tcp 10.0.0.1: refused"))),
			wantCode: InternalError,
			wantMsg:  "lookup failed",
		},
		{
			name:     "plain error",
			err:      fmt.Errorf("boom"),
			wantCode: InternalError,
			wantMsg:  "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ErrorFrom(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", got.Code, tt.wantCode)
			}
			if got.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", got.Message, tt.wantMsg)
			}
			if tt.wantData != nil {
				data, _ := got.Data.(map[string]interface{})
				for k, v := range tt.wantData {
					if data[k] != v {
						t.Errorf("data[%s] = %v, want %v", k, data[k], v)
					}
				}
			}
		})
	}
}

func TestErrorFrom_RateLimitCarriesRetryAfter(t *testing.T) {
	got := ErrorFrom(rpcerrors.RateLimited("slow down", 1500*time.Millisecond))
	if got.Code != rpcerrors.RPCRateLimited {
		t.Fatalf("code = %d, want %d", got.Code, rpcerrors.RPCRateLimited)
	}
	data := got.Data.(map[string]interface{})
	if data["retry_after"] != 1.5 {
		t.Errorf("retry_after = %v, want 1.5", data["retry_after"])
	}
}

func BenchmarkParseRequest(b *testing.B) {
	data := []byte(`{"jsonrpc":"2.0","id":1,"method":"benchmark","params":{"data":"test"}}`)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ParseRequest(data)
	}
}
