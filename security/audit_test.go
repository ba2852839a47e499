package security

import (
	"sync"
	"testing"

	"github.com/vinayprograms/docrpc/telemetry"
)

func TestAuditTrail_SignAndVerify(t *testing.T) {
	trail, err := NewAuditTrail(nil, 0)
	if err != nil {
		t.Fatalf("NewAuditTrail() error = %v", err)
	}
	defer trail.Destroy()

	record := trail.Record("indexer", "batch_documents", []byte(`{"atomic":true}`), DecisionAllow, "")

	if record.Signature == "" {
		t.Error("Expected signature to be set")
	}
	if record.InstanceID != trail.InstanceID() {
		t.Errorf("InstanceID = %q, want %q", record.InstanceID, trail.InstanceID())
	}

	valid, err := VerifyRecord(record, trail.PublicKey())
	if err != nil {
		t.Fatalf("VerifyRecord() error = %v", err)
	}
	if !valid {
		t.Error("Expected record to be valid")
	}
}

func TestAuditTrail_TamperedRecord(t *testing.T) {
	trail, err := NewAuditTrail(nil, 0)
	if err != nil {
		t.Fatalf("NewAuditTrail() error = %v", err)
	}
	defer trail.Destroy()

	tests := []struct {
		name   string
		tamper func(r *Record)
	}{
		{"decision", func(r *Record) { r.Decision = DecisionAllow }},
		{"principal", func(r *Record) { r.Principal = "admin" }},
		{"params", func(r *Record) { r.ParamsHash = hashContent([]byte(`{}`)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := trail.Record("indexer", "unsubscribe", []byte(`{"subscription_id":"s1"}`), DecisionDeny, ReasonForbidden)
			tt.tamper(record)

			valid, err := VerifyRecord(record, trail.PublicKey())
			if err != nil {
				t.Fatalf("VerifyRecord() error = %v", err)
			}
			if valid {
				t.Error("Expected tampered record to be invalid")
			}
		})
	}
}

func TestAuditTrail_WrongKey(t *testing.T) {
	a, _ := NewAuditTrail(nil, 0)
	b, _ := NewAuditTrail(nil, 0)

	record := a.Record("indexer", "ping", nil, DecisionAllow, "")
	valid, err := VerifyRecord(record, b.PublicKey())
	if err != nil {
		t.Fatalf("VerifyRecord() error = %v", err)
	}
	if valid {
		t.Error("Expected record signed by another trail to be invalid")
	}
}

func TestVerifyRecord_BadInput(t *testing.T) {
	trail, _ := NewAuditTrail(nil, 0)
	record := trail.Record("indexer", "ping", nil, DecisionAllow, "")

	if _, err := VerifyRecord(record, "not base64!"); err == nil {
		t.Error("Expected error for malformed key")
	}
	if _, err := VerifyRecord(record, "AAAA"); err == nil {
		t.Error("Expected error for short key")
	}

	record.Signature = "%%%"
	if _, err := VerifyRecord(record, trail.PublicKey()); err == nil {
		t.Error("Expected error for malformed signature")
	}
}

func TestAuditTrail_BoundedRecords(t *testing.T) {
	trail, _ := NewAuditTrail(nil, 3)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, trail.Record("indexer", "ping", nil, DecisionAllow, "").ID)
	}

	records := trail.Records()
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	for i, r := range records {
		if r.ID != ids[i+2] {
			t.Errorf("record %d: expected %s, got %s", i, ids[i+2], r.ID)
		}
	}
}

type recordingExporter struct {
	mu     sync.Mutex
	events []string
	data   []map[string]interface{}
}

func (e *recordingExporter) LogEvent(name string, data map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, name)
	e.data = append(e.data, data)
}

func (e *recordingExporter) Flush() error { return nil }
func (e *recordingExporter) Close() error { return nil }

func TestAuditTrail_Exports(t *testing.T) {
	exp := &recordingExporter{}
	trail, _ := NewAuditTrail(exp, 0)

	trail.Record("indexer", "subscribe", nil, DecisionDeny, ReasonRateLimited)

	if len(exp.events) != 1 || exp.events[0] != telemetry.EventSecurityDecision {
		t.Fatalf("unexpected exported events %v", exp.events)
	}
	if exp.data[0]["reason"] != ReasonRateLimited || exp.data[0]["principal"] != "indexer" {
		t.Errorf("unexpected exported data %v", exp.data[0])
	}
}
