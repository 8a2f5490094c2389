// Package softdelete models the lifecycle tag carried by every soft-deletable
// entity: a record is either Active or Deleted at a point in time.
package softdelete

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// ErrAlreadyDeleted is returned when deleting a record that is already deleted.
var ErrAlreadyDeleted = errors.New("softdelete: already deleted")

// State is the two-state soft-delete tag. The zero value is Active.
type State struct {
	deleted bool
	at      time.Time
}

// Active returns the live state.
func Active() State { return State{} }

// Deleted returns the deleted state stamped with at.
func Deleted(at time.Time) State {
	return State{deleted: true, at: at.UTC()}
}

// FromNullTime maps a nullable deleted_at column onto a State.
func FromNullTime(nt sql.NullTime) State {
	if !nt.Valid {
		return Active()
	}
	return Deleted(nt.Time)
}

// FromPtr maps a nullable deleted_at field onto a State.
func FromPtr(t *time.Time) State {
	if t == nil {
		return Active()
	}
	return Deleted(*t)
}

// IsDeleted reports whether the record is soft-deleted.
func (s State) IsDeleted() bool { return s.deleted }

// DeletedAt returns the deletion time and whether the record is deleted.
func (s State) DeletedAt() (time.Time, bool) { return s.at, s.deleted }

// Ptr returns the deletion time for nullable columns.
func (s State) Ptr() *time.Time {
	if !s.deleted {
		return nil
	}
	at := s.at
	return &at
}

// NullTime returns the deletion time for database/sql arguments.
func (s State) NullTime() sql.NullTime {
	return sql.NullTime{Time: s.at, Valid: s.deleted}
}

// Delete transitions Active to Deleted(at). Deleting a deleted state fails.
func (s State) Delete(at time.Time) (State, error) {
	if s.deleted {
		return s, ErrAlreadyDeleted
	}
	return Deleted(at), nil
}

func (s State) String() string {
	if !s.deleted {
		return "active"
	}
	return "deleted@" + s.at.Format(time.RFC3339)
}

// MarshalJSON renders null for Active and an RFC 3339 timestamp otherwise.
func (s State) MarshalJSON() ([]byte, error) {
	if !s.deleted {
		return []byte("null"), nil
	}
	return json.Marshal(s.at.Format(time.RFC3339Nano))
}

// UnmarshalJSON accepts null or an RFC 3339 timestamp.
func (s *State) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = Active()
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return err
	}
	*s = Deleted(at)
	return nil
}
