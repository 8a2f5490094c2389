package ids

import (
	"fmt"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"tenantgate.dev/internal/errs"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier used for actors,
// assignments, audit entries and token ids.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewUUID returns a random v4 UUID, used for Record Store keys.
func NewUUID() string {
	return uuid.NewString()
}

// ValidULID reports whether s is a canonical ULID.
func ValidULID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// ValidUUID reports whether s parses as a UUID.
func ValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Check validates an identifier received from a caller. Both ULIDs and UUIDs
// are accepted; anything else is a validation failure.
func Check(field, s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%w: %s is required", errs.ErrValidation, field)
	}
	if ValidULID(s) || ValidUUID(s) {
		return nil
	}
	return fmt.Errorf("%w: %s is not a valid identifier", errs.ErrValidation, field)
}

// CheckUUID validates a caller-supplied key that must be a UUID, such as a
// record id.
func CheckUUID(field, s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%w: %s is required", errs.ErrValidation, field)
	}
	if !ValidUUID(s) {
		return fmt.Errorf("%w: %s must be a UUID", errs.ErrValidation, field)
	}
	return nil
}
