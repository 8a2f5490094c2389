// Package errs defines the failure taxonomy shared by every layer of the
// service. Callers wrap a sentinel with detail and test with errors.Is.
package errs

import "errors"

var (
	// ErrUnauthorized reports a missing or invalid session, a failed
	// credential check, a reused refresh token or a deactivated actor.
	ErrUnauthorized = errors.New("errs: unauthorized")
	// ErrForbidden reports a valid session acting outside its scope.
	ErrForbidden = errors.New("errs: forbidden")
	// ErrNotFound reports an absent or soft-deleted entity.
	ErrNotFound = errors.New("errs: not found")
	// ErrConflict reports a uniqueness violation.
	ErrConflict = errors.New("errs: conflict")
	// ErrValidation reports malformed identifiers or out-of-range parameters.
	ErrValidation = errors.New("errs: validation failed")

	// ErrAuditFailed is surfaced to operators only, never to requesters.
	ErrAuditFailed = errors.New("errs: audit write failed")
)

// Kind returns the taxonomy sentinel err wraps, or nil for internal failures.
func Kind(err error) error {
	for _, k := range []error{ErrUnauthorized, ErrForbidden, ErrNotFound, ErrConflict, ErrValidation} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsDomain reports whether err belongs to the public taxonomy.
func IsDomain(err error) bool {
	return Kind(err) != nil
}
