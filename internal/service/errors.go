package service

import (
	"errors"
	"fmt"

	"inkdown-docsync/internal/websocket"
)

var (
	ErrInvalidMessage  = websocket.ErrInvalidMessage
	ErrUnknownSession  = errors.New("unknown session")
	ErrUnknownDocument = errors.New("unknown document")
)

// VersionConflictError is returned to a proposer whose base version is no
// longer current. It is recoverable by re-issuing against CurrentVersion.
type VersionConflictError struct {
	BaseVersion    int64
	CurrentVersion int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("base version %d does not match current version %d", e.BaseVersion, e.CurrentVersion)
}

// ApplyFailureError means the document store rejected or failed the edit.
// The self-attribution reservation has already been rolled back.
type ApplyFailureError struct {
	CurrentVersion int64
	Err            error
}

func (e *ApplyFailureError) Error() string {
	return fmt.Sprintf("apply failed at version %d: %v", e.CurrentVersion, e.Err)
}

func (e *ApplyFailureError) Unwrap() error {
	return e.Err
}
