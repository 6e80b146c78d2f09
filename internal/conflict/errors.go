package conflict

import "errors"

// ErrLeaseNotHeld reports a commit from a caller without the live lease.
var ErrLeaseNotHeld = errors.New("caller does not hold the edit lease")

// ErrIncompleteResolution reports a resolution that leaves a conflicting
// field undecided.
var ErrIncompleteResolution = errors.New("resolution does not cover every conflicting field")

// ErrInvalidResolution reports a malformed resolution: an unknown choice, a
// field that was not in conflict, or a missing report.
var ErrInvalidResolution = errors.New("invalid resolution")
