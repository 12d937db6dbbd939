package alarms

import "errors"

// ErrNotFound indicates a missing alarm record or rule.
var ErrNotFound = errors.New("alarm: not found")

// ErrConflict indicates a concurrent update detected by the updated_at
// check. The caller should reload and retry.
var ErrConflict = errors.New("alarm: conflicting update")

// ErrInvalidTransition indicates a status change the lifecycle does not
// allow.
var ErrInvalidTransition = errors.New("alarm: invalid status transition")
