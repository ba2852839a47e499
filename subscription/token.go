package subscription

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vinayprograms/docrpc/errors"
)

// tokenSource mints opaque, strictly increasing poll tokens. It is owned
// by the manager goroutine and is not safe for concurrent use.
type tokenSource struct {
	entropy io.Reader
	last    ulid.ULID
}

func newTokenSource() *tokenSource {
	return &tokenSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// next returns a token greater than every token returned before, even if
// the wall clock steps backwards.
func (s *tokenSource) next() string {
	ms := ulid.Timestamp(time.Now())
	if ms < s.last.Time() {
		ms = s.last.Time()
	}
	id := ulid.MustNew(ms, s.entropy)
	s.last = id
	return id.String()
}

// checkToken validates a caller-supplied token.
func checkToken(token string) error {
	if token == "" {
		return nil
	}
	if _, err := ulid.ParseStrict(token); err != nil {
		return errors.InvalidInput(fmt.Sprintf("malformed poll token %q", token))
	}
	return nil
}
