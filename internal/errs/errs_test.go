package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindUnwrapsDetail(t *testing.T) {
	err := fmt.Errorf("records: %w: limit must be between 1 and 100", ErrValidation)
	if Kind(err) != ErrValidation {
		t.Fatalf("expected validation kind, got %v", Kind(err))
	}
	if !IsDomain(err) {
		t.Fatalf("expected domain error")
	}
}

func TestKindInternal(t *testing.T) {
	if Kind(errors.New("connection reset")) != nil {
		t.Fatalf("expected nil kind for internal error")
	}
	if IsDomain(ErrAuditFailed) {
		t.Fatalf("audit failure must not be part of the requester taxonomy")
	}
}
