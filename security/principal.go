package security

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"path"
)

// Anonymous is the principal name of callers that presented no credentials.
const Anonymous = "anonymous"

// APIKey grants a principal access to a set of methods.
type APIKey struct {
	// Principal names the caller in logs, audit records and rate limits.
	Principal string

	// Key is the secret itself. Prefer KeyHash in configuration files.
	Key string

	// KeyHash is the hex SHA-256 of the secret.
	KeyHash string

	// Methods lists the callable methods as path.Match patterns. Empty
	// means every method.
	Methods []string

	// RateCapacity overrides the default requests per window.
	RateCapacity int
}

// hash returns the digest the key is looked up by.
func (k APIKey) hash() ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	if k.KeyHash != "" {
		raw, err := hex.DecodeString(k.KeyHash)
		if err != nil || len(raw) != sha256.Size {
			return sum, fmt.Errorf("api key for %s: key_hash is not a hex sha256", k.Principal)
		}
		copy(sum[:], raw)
		return sum, nil
	}
	if k.Key == "" {
		return sum, fmt.Errorf("api key for %s: key or key_hash required", k.Principal)
	}
	return sha256.Sum256([]byte(k.Key)), nil
}

// HashKey returns the hex SHA-256 of a secret, the form KeyHash expects.
func HashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Principal is an authenticated (or anonymous) caller.
type Principal struct {
	Name      string
	Anonymous bool
	methods   []string
}

// Can reports whether the principal may call method.
func (p *Principal) Can(method string) bool {
	if len(p.methods) == 0 {
		return true
	}
	for _, pattern := range p.methods {
		if ok, _ := path.Match(pattern, method); ok {
			return true
		}
	}
	return false
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal the security layer attached to ctx.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// keyring resolves presented secrets to principals.
type keyring struct {
	entries []keyEntry
}

type keyEntry struct {
	sum       [sha256.Size]byte
	principal *Principal
}

func newKeyring(keys []APIKey) (*keyring, error) {
	kr := &keyring{}
	seen := make(map[string]bool)
	for _, k := range keys {
		if k.Principal == "" {
			return nil, fmt.Errorf("api key without principal")
		}
		if k.Principal == Anonymous {
			return nil, fmt.Errorf("principal name %q is reserved", Anonymous)
		}
		if seen[k.Principal] {
			return nil, fmt.Errorf("duplicate principal %s", k.Principal)
		}
		seen[k.Principal] = true
		for _, pattern := range k.Methods {
			if _, err := path.Match(pattern, ""); err != nil {
				return nil, fmt.Errorf("api key for %s: bad method pattern %q: %w", k.Principal, pattern, err)
			}
		}

		sum, err := k.hash()
		if err != nil {
			return nil, err
		}
		kr.entries = append(kr.entries, keyEntry{
			sum:       sum,
			principal: &Principal{Name: k.Principal, methods: k.Methods},
		})
	}
	return kr, nil
}

// lookup compares the digest against every entry in constant time.
func (kr *keyring) lookup(secret string) *Principal {
	sum := sha256.Sum256([]byte(secret))
	var found *Principal
	for _, e := range kr.entries {
		if subtle.ConstantTimeCompare(sum[:], e.sum[:]) == 1 {
			found = e.principal
		}
	}
	return found
}
