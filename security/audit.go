package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/docrpc/telemetry"
)

// DefaultAuditRecords is how many records an AuditTrail keeps in memory.
const DefaultAuditRecords = 10000

// Decisions recorded in the audit trail.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// AuditTrail signs every security decision with a per-process Ed25519 key.
type AuditTrail struct {
	instanceID string
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
	exporter   telemetry.Exporter
	max        int

	mu      sync.Mutex
	records []*Record
}

// NewAuditTrail creates a new audit trail with a fresh Ed25519 keypair.
// Signed records are also handed to exporter when it is not nil. max bounds
// the records kept in memory; the oldest are dropped first.
func NewAuditTrail(exporter telemetry.Exporter, max int) (*AuditTrail, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	if max <= 0 {
		max = DefaultAuditRecords
	}

	return &AuditTrail{
		instanceID: uuid.NewString(),
		publicKey:  pub,
		privateKey: priv,
		exporter:   exporter,
		max:        max,
	}, nil
}

// PublicKey returns the base64-encoded public key for verification.
func (a *AuditTrail) PublicKey() string {
	return base64.StdEncoding.EncodeToString(a.publicKey)
}

// InstanceID identifies the server process that signed the records.
func (a *AuditTrail) InstanceID() string {
	return a.instanceID
}

// Record is one signed security decision.
type Record struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	Timestamp  time.Time `json:"timestamp"`
	Principal  string    `json:"principal"`
	Method     string    `json:"method"`
	ParamsHash string    `json:"params_hash"`
	Decision   string    `json:"decision"`
	Reason     string    `json:"reason,omitempty"`
	Signature  string    `json:"signature,omitempty"`
}

// Record creates, signs and stores a decision record.
func (a *AuditTrail) Record(principal, method string, params []byte, decision, reason string) *Record {
	record := &Record{
		ID:         uuid.NewString(),
		InstanceID: a.instanceID,
		Timestamp:  time.Now().UTC(),
		Principal:  principal,
		Method:     method,
		ParamsHash: hashContent(params),
		Decision:   decision,
		Reason:     reason,
	}
	record.Signature = a.sign(record)

	a.mu.Lock()
	if len(a.records) >= a.max {
		a.records = append(a.records[:0], a.records[1:]...)
	}
	a.records = append(a.records, record)
	a.mu.Unlock()

	if a.exporter != nil {
		a.exporter.LogEvent(telemetry.EventSecurityDecision, record.fields())
	}
	return record
}

func (a *AuditTrail) sign(record *Record) string {
	hash := sha256.Sum256(canonicalJSON(record))
	sig := ed25519.Sign(a.privateKey, hash[:])
	return base64.StdEncoding.EncodeToString(sig)
}

// fields lists every signed field. encoding/json sorts map keys, so the
// encoding is canonical.
func (r *Record) fields() map[string]interface{} {
	return map[string]interface{}{
		"decision":    r.Decision,
		"id":          r.ID,
		"instance_id": r.InstanceID,
		"method":      r.Method,
		"params_hash": r.ParamsHash,
		"principal":   r.Principal,
		"reason":      r.Reason,
		"timestamp":   r.Timestamp.Format(time.RFC3339Nano),
	}
}

// canonicalJSON is the signed form of a record: every field but the
// signature, keys sorted, no whitespace.
func canonicalJSON(record *Record) []byte {
	data, _ := json.Marshal(record.fields())
	return data
}

// hashContent creates a SHA-256 hash of content.
func hashContent(content []byte) string {
	hash := sha256.Sum256(content)
	return base64.StdEncoding.EncodeToString(hash[:])
}

// VerifyRecord verifies a record's signature.
func VerifyRecord(record *Record, publicKeyBase64 string) (bool, error) {
	pubKeyBytes, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return false, fmt.Errorf("invalid public key: %w", err)
	}
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size: %d", len(pubKeyBytes))
	}

	sigBytes, err := base64.StdEncoding.DecodeString(record.Signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature: %w", err)
	}

	hash := sha256.Sum256(canonicalJSON(record))
	return ed25519.Verify(ed25519.PublicKey(pubKeyBytes), hash[:], sigBytes), nil
}

// Records returns a copy of the retained records, oldest first.
func (a *AuditTrail) Records() []*Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Record, len(a.records))
	copy(out, a.records)
	return out
}

// Destroy zeros out the private key from memory.
// Call this when the server stops.
func (a *AuditTrail) Destroy() {
	for i := range a.privateKey {
		a.privateKey[i] = 0
	}
}
