package store

import (
	"errors"
	"fmt"
)

// ErrNoSnapshot is returned by LoadSnapshot when the entity has none.
var ErrNoSnapshot = errors.New("no snapshot for entity")

// VersionConflictError is returned by AppendAt when the caller's expected
// version does not match the entity's next version.
type VersionConflictError struct {
	EntityID string
	Expected int64
	Next     int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict for entity %s: expected %d, next is %d",
		e.EntityID, e.Expected, e.Next)
}

// IsVersionConflict reports whether err is a version conflict.
func IsVersionConflict(err error) bool {
	var vc *VersionConflictError
	return errors.As(err, &vc)
}
