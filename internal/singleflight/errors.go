package singleflight

import "errors"

// ErrCancelled is returned to waiters of a call that was cancelled before
// its function produced a result.
var ErrCancelled = errors.New("singleflight: call cancelled")
