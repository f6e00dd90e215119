// Package sessionmgr owns the single process-wide ADB session: connect and
// disconnect replace or clear that one slot, and a timed semaphore
// serializes concurrent shell requests the way a real device's shell can
// only run one foreground command at a time.
package sessionmgr

import "errors"

var (
	// ErrNoActiveSession is returned by any operation attempted before
	// connect() or after disconnect().
	ErrNoActiveSession = errors.New("sessionmgr: no active session")
	// ErrBusy is returned when the shell lock is not acquired within the
	// wait window.
	ErrBusy = errors.New("sessionmgr: shell lock busy")
)
