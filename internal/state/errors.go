package state

import (
	"errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNotFound reports that no row matched the lookup. Repositories return it
// for missing nodes, runtime rows, and cache entries so callers can branch
// without driver-specific checks.
var ErrNotFound = errors.New("not found")

// ErrConflict reports a write rejected by a uniqueness constraint, such as
// two node records claiming the same slug.
var ErrConflict = errors.New("conflict")

// isConstraintViolation reports whether err is a SQLite constraint failure.
// The low byte of an extended result code carries the primary code.
func isConstraintViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
