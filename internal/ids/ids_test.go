package ids

import (
	"errors"
	"testing"

	"tenantgate.dev/internal/errs"
)

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("expected %s > %s", next, prev)
		}
		prev = next
	}
}

func TestCheck(t *testing.T) {
	if err := Check("id", New()); err != nil {
		t.Fatalf("ulid rejected: %v", err)
	}
	if err := Check("id", NewUUID()); err != nil {
		t.Fatalf("uuid rejected: %v", err)
	}
	for _, bad := range []string{"", "  ", "42", "not-a-uuid", "../etc/passwd"} {
		if err := Check("id", bad); !errors.Is(err, errs.ErrValidation) {
			t.Fatalf("Check(%q) = %v, want validation error", bad, err)
		}
	}
}
