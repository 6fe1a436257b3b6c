package xid

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewIsPrefixedAndUnique(t *testing.T) {
	a, b := New("KK"), New("KK")
	if a == b {
		t.Fatalf("expected distinct ids, got %s twice", a)
	}
	rest, ok := strings.CutPrefix(a, "KK-")
	if !ok {
		t.Fatalf("expected KK- prefix, got %s", a)
	}
	if _, err := uuid.Parse(rest); err != nil {
		t.Fatalf("expected uuid suffix, got %s: %v", rest, err)
	}
}
