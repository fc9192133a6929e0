package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthFailure is matched by errors raised while obtaining a token
	// for the remote API.
	ErrAuthFailure = errors.New("authentication with the remote API failed")

	// ErrRemote is matched by failed or unparseable remote calls.
	ErrRemote = errors.New("remote API call failed")

	// ErrForbidden is matched when a key's name fails the filename pattern.
	ErrForbidden = errors.New("access denied")

	// ErrNotFound is matched when the remote reports a missing path.
	ErrNotFound = errors.New("object not found")

	// ErrInvalidKey is matched when an address contains a dot segment.
	ErrInvalidKey = errors.New("invalid key")
)

// NotFoundError conveys that a specific key was not found in a container.
type NotFoundError struct {
	ContainerID string
	Key         string
}

func (e NotFoundError) Error() string {
	if e.Key == "" {
		return "object not found"
	}
	return fmt.Sprintf("%s: not found", e.Key)
}

func (e NotFoundError) Unwrap() error {
	return ErrNotFound
}

// RemoteError describes a failed remote call.
type RemoteError struct {
	Op         string
	StatusCode int
	// Code and Message are taken from the remote's error body when it had
	// one.
	Code    string
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	msg := e.Op
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// IsNotFound reports whether err represents a missing remote object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
