// Package service provides the business logic behind the workspace API.
package service

import "errors"

var (
	// ErrNotFound is returned for ids that do not exist or are not visible
	// to the viewer.
	ErrNotFound = errors.New("not found")
	// ErrStorageLimit is returned when a shared upload would exceed the
	// organization storage cap.
	ErrStorageLimit = errors.New("shared storage limit exceeded")
	// ErrInvalidFolder is returned when an upload names an unknown folder.
	ErrInvalidFolder = errors.New("invalid folder")
	// ErrEmptyMessage is returned for a chat turn without text.
	ErrEmptyMessage = errors.New("message is required")
)

// Viewer identifies the caller of a service operation.
type Viewer struct {
	ID         string
	Department string
	Admin      bool
}
