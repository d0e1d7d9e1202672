package session

import (
	"fmt"

	"github.com/pkg/errors"

	"objrpc/dispatch"
)

// Failure values delivered as the resolution of a call. A call either
// returns the remote result or exactly one of these.
var (
	// ErrTimeout resolves a call whose deadline elapsed locally,
	// independent of whether the remote side ever replies.
	ErrTimeout = errors.New("session: call timed out")
	// ErrSessionClosed resolves every outstanding call when the link is
	// severed or the session is closed.
	ErrSessionClosed = errors.New("session: closed")
	// ErrBusy resolves a call the server rejected under overload.
	ErrBusy = errors.New("session: server busy")
)

// RemoteError is a failure produced on the remote side: either the
// implementation method returned an error, or dispatch could not resolve
// the call (unknown name, unknown object).
type RemoteError struct {
	Status dispatch.Status
	Detail string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Status, e.Detail)
}

// IsDispatchError reports whether the failure was a remote dispatch
// resolution error rather than an application error.
func (e *RemoteError) IsDispatchError() bool {
	return e.Status == dispatch.StatusDispatchError
}
