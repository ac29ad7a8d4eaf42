// Package backend defines the storage-backend operations the undelete
// filter consumes, and a client that performs them as internal sub-requests
// through the remainder of the request pipeline.
package backend

import (
	"context"
	"fmt"
	"net/http"
)

// ErrorKind classifies backend failures into the cases the undelete
// protocol distinguishes.
type ErrorKind int

const (
	ErrOther ErrorKind = iota
	ErrNotFound
	ErrAlreadyExists
	ErrNameTooLong
	ErrCapacity
	ErrPermission
	ErrInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNotFound:
		return "not found"
	case ErrAlreadyExists:
		return "already exists"
	case ErrNameTooLong:
		return "name too long"
	case ErrCapacity:
		return "capacity"
	case ErrPermission:
		return "permission"
	case ErrInvalid:
		return "invalid"
	default:
		return "backend error"
	}
}

// Error is a failed backend operation. It retains the backend's raw HTTP
// response so that a caller relaying the failure can reproduce it for the
// client exactly as the backend produced it.
type Error struct {
	Kind      ErrorKind
	Op        string
	Account   string
	Container string
	Object    string

	Status int
	Header http.Header
	Body   []byte
}

func (e *Error) Error() string {
	target := "/v1/" + e.Account
	if e.Container != "" {
		target += "/" + e.Container
	}
	if e.Object != "" {
		target += "/" + e.Object
	}
	return fmt.Sprintf("%s %s: %s (status %d)", e.Op, target, e.Kind, e.Status)
}

// WriteResponse replays the backend response that produced this error.
func (e *Error) WriteResponse(w http.ResponseWriter) {
	for key, values := range e.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
	_, _ = w.Write(e.Body)
}

// Capabilities describes optional backend features that configuration
// validation gates on.
type Capabilities struct {
	// CrossAccountCopy reports whether the backend can copy an object into
	// a different account than the source's.
	CrossAccountCopy bool
}

// Location addresses an object (or, with Object empty, a container) in the
// backend's account/container/object namespace.
type Location struct {
	Account   string
	Container string
	Object    string
}

// CopyOptions carries the optional parameters of a server-side copy.
type CopyOptions struct {
	// DeleteAfter asks the backend to expire the destination object this
	// many seconds after the copy. Zero means keep it indefinitely.
	DeleteAfter int64
}

// Client performs the storage-backend operations the undelete protocol
// needs. Creation calls are idempotent at the protocol level: callers
// treat ErrAlreadyExists as success.
type Client interface {
	// CreateAccount creates the named account.
	CreateAccount(ctx context.Context, account string) error

	// CreateContainer creates a container within an account.
	CreateContainer(ctx context.Context, account string, container string) error

	// CopyObject performs a server-side copy of src to dst.
	CopyObject(ctx context.Context, src Location, dst Location, opts CopyOptions) error

	// DeleteObject removes the object at the given location.
	DeleteObject(ctx context.Context, loc Location) error
}
