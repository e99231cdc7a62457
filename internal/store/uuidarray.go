package store

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// uuidArray adapts a []uuid.UUID to Postgres's array wire format so it
// can be passed as a bind parameter or scanned out of an array column
// without depending on a driver-specific array helper.
type uuidArray []uuid.UUID

// Value implements driver.Valuer, encoding as a Postgres array literal.
func (a uuidArray) Value() (driver.Value, error) {
	parts := make([]string, len(a))
	for i, id := range a {
		parts[i] = id.String()
	}
	return "{" + strings.Join(parts, ",") + "}", nil
}

// Scan implements sql.Scanner, parsing a Postgres array literal back
// into a []uuid.UUID.
func (a *uuidArray) Scan(src any) error {
	if src == nil {
		*a = nil
		return nil
	}

	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("uuidArray: unsupported scan type %T", src)
	}

	s = strings.Trim(s, "{}")
	if s == "" {
		*a = uuidArray{}
		return nil
	}

	parts := strings.Split(s, ",")
	out := make(uuidArray, 0, len(parts))
	for _, p := range parts {
		id, err := uuid.Parse(strings.Trim(p, `"`))
		if err != nil {
			return fmt.Errorf("uuidArray: parsing %q: %w", p, err)
		}
		out = append(out, id)
	}
	*a = out
	return nil
}
