package errors

import (
	"errors"
	"fmt"

	"github.com/alexjbarnes/notesync/internal/models"
)

// Sync engine errors.
var (
	// ErrNoRemote means the account has no usable remote backend: either
	// it is configured as local, or the remote config is incomplete.
	// Callers treat it as a silent no-op.
	ErrNoRemote = errors.New("no remote storage configured")

	// ErrEndpointBlocked is returned when a storage endpoint resolves to a
	// private, loopback, link-local or metadata address.
	ErrEndpointBlocked = errors.New("storage endpoint not allowed")

	// ErrPathUnsafe is returned when a mirror path would escape the
	// account's mirror root.
	ErrPathUnsafe = errors.New("path escapes mirror root")

	// ErrQueueFull is returned when an account's sync queue has too many
	// pending jobs.
	ErrQueueFull = errors.New("sync queue full")
)

// Store and request errors.
var (
	ErrNotFound       = errors.New("node not found")
	ErrInvalidNode    = errors.New("invalid node")
	ErrInvalidStorage = errors.New("invalid storage config")
)

// ConflictError is returned when a write was based on a stale version.
// Current holds the server copy the client must reconcile against.
type ConflictError struct {
	Current models.Node
	Base    int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("node %s was modified at %d, after base version %d", e.Current.ID, e.Current.UpdatedAt, e.Base)
}

// AsConflict unwraps err into a ConflictError if it holds one.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}

	return nil, false
}
