package lock

import (
	"errors"
	"fmt"
	"time"
)

// ErrDenied is matched by every *DeniedError.
var ErrDenied = errors.New("lease held by another editor")

// ErrNotHeld reports a touch on a record with no live lease.
var ErrNotHeld = errors.New("no live lease")

// ErrInvalidRequest reports an empty record id or caller.
var ErrInvalidRequest = errors.New("record id and caller are required")

// DeniedError names the editor currently holding the lease so the caller
// can show who is editing. It is never retried by the coordinator.
type DeniedError struct {
	RecordID  string
	Holder    string
	ExpiresAt time.Time
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("chapter %s is being edited by %s until %s",
		e.RecordID, e.Holder, e.ExpiresAt.UTC().Format(time.RFC3339))
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}
