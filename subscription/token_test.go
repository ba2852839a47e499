package subscription

import "testing"

func TestTokenSource_StrictlyIncreasing(t *testing.T) {
	src := newTokenSource()
	prev := src.next()
	for i := 0; i < 1000; i++ {
		tok := src.next()
		if tok <= prev {
			t.Fatalf("token %d: %s <= %s", i, tok, prev)
		}
		prev = tok
	}
}

func TestCheckToken(t *testing.T) {
	if err := checkToken(""); err != nil {
		t.Errorf("empty token: %v", err)
	}
	if err := checkToken(newTokenSource().next()); err != nil {
		t.Errorf("minted token: %v", err)
	}
	if err := checkToken("not-a-token"); err == nil {
		t.Error("expected error for malformed token")
	}
}
