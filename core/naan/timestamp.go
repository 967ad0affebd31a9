package naan

import (
	"encoding/json"
	"time"

	"github.com/CDLUC3/naanreg/core/errors"
)

// Timestamp is a time.Time that serializes as second-precision UTC ISO 8601,
// the format used throughout the registry store.
type Timestamp struct {
	time.Time
}

// Now returns the current time as a store Timestamp.
func Now() Timestamp {
	return Timestamp{Time: time.Now().UTC().Truncate(time.Second)}
}

// MarshalJSON renders the timestamp as a second-precision RFC 3339 string,
// or null for the zero value.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Truncate(time.Second).Format(time.RFC3339))
}

// UnmarshalJSON accepts RFC 3339 with either a Z or numeric offset, a bare
// local timestamp without zone, or null.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s *string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.NewValidation("when", string(b), "expected an ISO 8601 string")
	}
	if s == nil {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		parsed, err := time.Parse(layout, *s)
		if err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return errors.NewValidation("when", *s, "expected an ISO 8601 timestamp")
}

// Equal reports whether two timestamps name the same instant.
func (t Timestamp) Equal(o Timestamp) bool {
	return t.Time.Equal(o.Time)
}
